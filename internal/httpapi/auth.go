package httpapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"dukapos/backend/internal/domain"
)

type AuthManager struct {
	mu       sync.RWMutex
	secret   []byte
	tokenTTL time.Duration
	accounts AccountStore
	cached   map[string]credential
}

type AccountStore interface {
	CreateCashier(ctx context.Context, account domain.CashierAccount) error
	ListCashiers(ctx context.Context) ([]domain.CashierAccount, error)
	UpdateCashierPIN(ctx context.Context, name string, pin string) error
}

type credential struct {
	pin     string
	role    string
	active  bool
	created time.Time
}

type posCustomClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, accounts AccountStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		accounts: accounts,
		cached:   make(map[string]credential),
	}
	// Startup operation, no request context exists yet.
	manager.bootstrapAccounts(context.Background())
	return manager
}

func (a *AuthManager) Login(req domain.LoginRequest) (domain.LoginResponse, error) {
	// Reload so cashiers added outside this process can log in.
	a.bootstrapAccounts(context.Background())
	name := strings.ToLower(strings.TrimSpace(req.Cashier))
	a.mu.RLock()
	cred, ok := a.cached[name]
	a.mu.RUnlock()
	if !ok {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}

	if !verifyPIN(cred.pin, req.PIN) {
		return domain.LoginResponse{}, errors.New("invalid credentials")
	}
	if !cred.active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(name, cred.role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        cred.role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &posCustomClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Name: sub, Role: claims.Role}, nil
}

func (a *AuthManager) sign(name, role string, expiresAt time.Time) (string, error) {
	claims := posCustomClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   name,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    "dukapos",
		},
		Role: role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateManagerPIN re-checks a manager PIN against the account store. Used
// as the second factor on destructive confirms.
func (a *AuthManager) ValidateManagerPIN(pin string) bool {
	input := strings.TrimSpace(pin)
	if input == "" {
		return false
	}
	a.bootstrapAccounts(context.Background())

	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, cred := range a.cached {
		if cred.role != "manager" || !cred.active {
			continue
		}
		if verifyPIN(cred.pin, input) {
			return true
		}
	}
	return false
}

func (a *AuthManager) CreateCashier(req domain.CashierCreateRequest) (domain.CashierUser, error) {
	a.bootstrapAccounts(context.Background())
	name := strings.ToLower(strings.TrimSpace(req.Name))
	if name == "" || len(name) < 3 {
		return domain.CashierUser{}, fmt.Errorf("cashier name must be at least 3 characters")
	}
	if strings.ContainsAny(name, " \t\r\n") {
		return domain.CashierUser{}, fmt.Errorf("cashier name must not contain spaces")
	}
	pin := strings.TrimSpace(req.PIN)
	if len(pin) < 4 {
		return domain.CashierUser{}, fmt.Errorf("pin must be at least 4 digits")
	}
	role := req.Role
	if role == "" {
		role = "cashier"
	}
	if role != "cashier" && role != "manager" {
		return domain.CashierUser{}, fmt.Errorf("unknown role %q", role)
	}

	a.mu.RLock()
	_, exists := a.cached[name]
	a.mu.RUnlock()
	if exists {
		return domain.CashierUser{}, fmt.Errorf("cashier already exists")
	}

	now := time.Now().UTC()
	pinHash, err := hashPIN(pin)
	if err != nil {
		return domain.CashierUser{}, fmt.Errorf("failed to hash pin")
	}

	if a.accounts != nil {
		err := a.accounts.CreateCashier(context.Background(), domain.CashierAccount{
			Name:      name,
			PIN:       pinHash,
			Role:      role,
			Active:    true,
			CreatedAt: now,
		})
		if err != nil {
			return domain.CashierUser{}, err
		}
	}

	a.mu.Lock()
	a.cached[name] = credential{pin: pinHash, role: role, active: true, created: now}
	a.mu.Unlock()

	return domain.CashierUser{Name: name, Role: role, Active: true, CreatedAt: now}, nil
}

func (a *AuthManager) ListCashiers() []domain.CashierUser {
	a.bootstrapAccounts(context.Background())
	a.mu.RLock()
	result := make([]domain.CashierUser, 0, len(a.cached))
	for name, cred := range a.cached {
		result = append(result, domain.CashierUser{
			Name:      name,
			Role:      cred.role,
			Active:    cred.active,
			CreatedAt: cred.created,
		})
	}
	a.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// bootstrapAccounts loads cashier accounts into the in-memory credential
// cache and upgrades any legacy plain-text PINs to bcrypt hashes in the
// store.
func (a *AuthManager) bootstrapAccounts(ctx context.Context) {
	if a.accounts == nil {
		return
	}

	accounts, err := a.accounts.ListCashiers(ctx)
	if err != nil || len(accounts) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, account := range accounts {
		name := strings.ToLower(strings.TrimSpace(account.Name))
		if name == "" {
			continue
		}
		pin := account.PIN
		if !isPINHash(pin) {
			hashed, err := hashPIN(pin)
			if err == nil {
				pin = hashed
				_ = a.accounts.UpdateCashierPIN(ctx, name, hashed)
			}
		}
		a.cached[name] = credential{
			pin:     pin,
			role:    account.Role,
			active:  account.Active,
			created: account.CreatedAt,
		}
	}
}

func verifyPIN(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPINHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPIN(pin string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPINHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}

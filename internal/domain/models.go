package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LogicalTime orders ledger entries across devices. The wall-clock component
// is advisory; the counter breaks ties for entries created within the same
// millisecond on one device. Cross-device ties are broken by entry id.
type LogicalTime struct {
	WallMillis int64 `json:"wall_millis"`
	Counter    int64 `json:"counter"`
}

func (t LogicalTime) Compare(other LogicalTime) int {
	if t.WallMillis != other.WallMillis {
		if t.WallMillis < other.WallMillis {
			return -1
		}
		return 1
	}
	if t.Counter != other.Counter {
		if t.Counter < other.Counter {
			return -1
		}
		return 1
	}
	return 0
}

func (t LogicalTime) IsZero() bool {
	return t.WallMillis == 0 && t.Counter == 0
}

func (t LogicalTime) Wall() time.Time {
	return time.UnixMilli(t.WallMillis).UTC()
}

type EntryKind string

const (
	KindTransaction EntryKind = "transaction"
	KindReversal    EntryKind = "reversal"
	KindExpense     EntryKind = "expense"
)

const (
	TxStatusCompleted = "completed"
	TxStatusReversed  = "reversed"
)

const (
	RetentionModeArchive = "archive"
	RetentionModeDelete  = "delete"
)

type SaleLine struct {
	ProductRef string          `json:"product_ref"`
	Qty        int             `json:"qty"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
}

type Transaction struct {
	Lines         []SaleLine      `json:"lines"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"payment_method"`
	CashierRef    string          `json:"cashier_ref"`
}

type ReversalRecord struct {
	OriginalTransactionID string `json:"original_transaction_id"`
	Reason                string `json:"reason"`
	ReversedBy            string `json:"reversed_by"`
}

type Expense struct {
	SupplierRef string          `json:"supplier_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Entry is the unit of the ledger. Exactly one of Transaction, Reversal or
// Expense is set, matching Kind. Entries are immutable once appended.
type Entry struct {
	ID          string          `json:"id"`
	Kind        EntryKind       `json:"kind"`
	DeviceID    string          `json:"device_id"`
	CreatedAt   LogicalTime     `json:"created_at"`
	Transaction *Transaction    `json:"transaction,omitempty"`
	Reversal    *ReversalRecord `json:"reversal,omitempty"`
	Expense     *Expense        `json:"expense,omitempty"`
}

func (e Entry) Clone() Entry {
	dup := e
	if e.Transaction != nil {
		tx := *e.Transaction
		tx.Lines = make([]SaleLine, len(e.Transaction.Lines))
		copy(tx.Lines, e.Transaction.Lines)
		dup.Transaction = &tx
	}
	if e.Reversal != nil {
		rev := *e.Reversal
		dup.Reversal = &rev
	}
	if e.Expense != nil {
		exp := *e.Expense
		dup.Expense = &exp
	}
	return dup
}

// Equal reports whether two entries carry the same payload. It backs the
// duplicate-append rule: re-appending an identical entry is a no-op, while a
// differing payload under the same id is a conflict.
func (e Entry) Equal(other Entry) bool {
	if e.ID != other.ID || e.Kind != other.Kind || e.DeviceID != other.DeviceID {
		return false
	}
	if e.CreatedAt != other.CreatedAt {
		return false
	}
	switch {
	case e.Transaction != nil:
		return other.Transaction != nil && transactionsEqual(*e.Transaction, *other.Transaction)
	case e.Reversal != nil:
		return other.Reversal != nil && *e.Reversal == *other.Reversal
	case e.Expense != nil:
		if other.Expense == nil {
			return false
		}
		return e.Expense.SupplierRef == other.Expense.SupplierRef &&
			e.Expense.Description == other.Expense.Description &&
			e.Expense.Amount.Equal(other.Expense.Amount)
	}
	return other.Transaction == nil && other.Reversal == nil && other.Expense == nil
}

func transactionsEqual(a, b Transaction) bool {
	if a.PaymentMethod != b.PaymentMethod || a.CashierRef != b.CashierRef {
		return false
	}
	if !a.Total.Equal(b.Total) {
		return false
	}
	if len(a.Lines) != len(b.Lines) {
		return false
	}
	for i := range a.Lines {
		if a.Lines[i].ProductRef != b.Lines[i].ProductRef || a.Lines[i].Qty != b.Lines[i].Qty {
			return false
		}
		if !a.Lines[i].UnitPrice.Equal(b.Lines[i].UnitPrice) {
			return false
		}
	}
	return true
}

// TransactionView is a transaction entry with its derived status. Status is
// never stored; it is computed from the presence of a matching reversal.
type TransactionView struct {
	Entry      Entry  `json:"entry"`
	Status     string `json:"status"`
	ReversalID string `json:"reversal_id,omitempty"`
}

// SyncCursor is the per-peer watermark. LastAckedID and LastAckedAt describe
// the newest local entry the peer has acknowledged; PulledThrough is the
// high-water mark of entries pulled from the peer.
type SyncCursor struct {
	PeerID        string      `json:"peer_id"`
	LastAckedID   string      `json:"last_acked_id"`
	LastAckedAt   LogicalTime `json:"last_acked_at"`
	PulledThrough LogicalTime `json:"pulled_through"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

type DeviceStatus struct {
	DeviceID     string    `json:"device_id"`
	LastSeen     time.Time `json:"last_seen"`
	PendingCount int       `json:"pending_count"`
}

type Actor struct {
	Name string
	Role string
}

type SaleRequest struct {
	Lines         []SaleLine `json:"lines"`
	PaymentMethod string     `json:"payment_method"`
	CashierRef    string     `json:"cashier_ref,omitempty"`
}

type SaleResponse struct {
	Entry Entry `json:"entry"`
}

type ReversalRequest struct {
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	ManagerPIN    string `json:"manager_pin,omitempty"`
}

type ReversalResponse struct {
	Entry     Entry `json:"entry"`
	Duplicate bool  `json:"duplicate"`
}

type ExpenseRequest struct {
	SupplierRef string          `json:"supplier_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// FullSyncToken is the confirmation handle for a full synchronization pass.
// Requesting a full sync returns the token plus the backlog snapshot the
// operator confirms against; confirming consumes the token.
type FullSyncToken struct {
	Token         string         `json:"token"`
	PeerID        string         `json:"peer_id"`
	LocalPending  int            `json:"local_pending"`
	RemotePending int            `json:"remote_pending"`
	Devices       []DeviceStatus `json:"devices,omitempty"`
	RequestedBy   string         `json:"requested_by"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

type ClosingReportPayment struct {
	PaymentMethod string          `json:"payment_method"`
	Count         int64           `json:"count"`
	Total         decimal.Decimal `json:"total"`
}

// ClosingReport is a pure replay over a ledger snapshot for a window.
// GrossSales sums every transaction in the window regardless of later
// reversal; NetSales is gross minus the reversed total.
type ClosingReport struct {
	From             time.Time              `json:"from"`
	To               time.Time              `json:"to"`
	DeviceID         string                 `json:"device_id,omitempty"`
	GrossSales       decimal.Decimal        `json:"gross_sales"`
	ReversedTotal    decimal.Decimal        `json:"reversed_total"`
	NetSales         decimal.Decimal        `json:"net_sales"`
	ExpenseTotal     decimal.Decimal        `json:"expense_total"`
	TransactionCount int64                  `json:"transaction_count"`
	ReversalCount    int64                  `json:"reversal_count"`
	ExpenseCount     int64                  `json:"expense_count"`
	ByPayment        []ClosingReportPayment `json:"by_payment"`
}

type SupplierExpense struct {
	ID           string          `json:"id"`
	Amount       decimal.Decimal `json:"amount"`
	Description  string          `json:"description"`
	CreatedAt    time.Time       `json:"created_at"`
	RunningTotal decimal.Decimal `json:"running_total"`
}

type SupplierHistory struct {
	SupplierRef string            `json:"supplier_ref"`
	Expenses    []SupplierExpense `json:"expenses"`
	Total       decimal.Decimal   `json:"total"`
}

type RetentionCandidates struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Entries []Entry   `json:"entries"`
}

type LoginRequest struct {
	Cashier string `json:"cashier"`
	PIN     string `json:"pin"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type CashierCreateRequest struct {
	Name string `json:"name"`
	PIN  string `json:"pin"`
	Role string `json:"role"`
}

type CashierUser struct {
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// CashierAccount is an internal persistence model for auth credentials.
type CashierAccount struct {
	Name      string
	PIN       string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID        string    `json:"id"`
	ActorName string    `json:"actor_name"`
	ActorRole string    `json:"actor_role"`
	Action    string    `json:"action"`
	EntityID  string    `json:"entity_id"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

package models

import "time"

type JobKind string

const (
	JobKindText  JobKind = "text"
	JobKindImage JobKind = "image"
	JobKindVideo JobKind = "video"
)

// ChargeStatusCaptured is the only status the current flow emits: a charge
// row is inserted exactly once, after the artifact exists.
const ChargeStatusCaptured = "captured"

type User struct {
	UserID           int64
	Username         string
	Balance          int
	FreePreviewsUsed int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type WalletOp struct {
	ID        int64
	UserID    int64
	Delta     int
	Reason    string
	CreatedAt time.Time
}

type Charge struct {
	ID        int64
	UserID    int64
	JobID     int64
	Amount    int
	Status    string
	CreatedAt time.Time
}

type Job struct {
	ID          int64
	UserID      int64
	Kind        JobKind
	Prompt      string
	SrcPath     string
	PreviewPath string
	Duration    float64
	Sound       bool
	Seed        int64
	CreatedAt   time.Time
}

type Plan struct {
	ID              int64
	Title           string
	Description     string
	Currency        string
	PriceMinorUnits int
	Credits         int
	IsActive        bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type PromoCode struct {
	ID        int64
	Code      string
	MaxUses   int
	Uses      int
	CreatedAt time.Time
}

type Payment struct {
	ID             int64
	UserID         int64
	PlanID         *int64
	Provider       string
	ProviderCharge string
	Currency       string
	Amount         int
	Status         string
	RawPayload     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

package shared

// LoanStatus defines the loan lifecycle states
type LoanStatus string

const (
	LoanStatusPending    LoanStatus = "PENDING"
	LoanStatusActive     LoanStatus = "ACTIVE"
	LoanStatusRepaid     LoanStatus = "REPAID"
	LoanStatusDefaulted  LoanStatus = "DEFAULTED"
	LoanStatusLiquidated LoanStatus = "LIQUIDATED"
)

// IsTerminal reports whether no further transition is permitted from s
func (s LoanStatus) IsTerminal() bool {
	switch s {
	case LoanStatusRepaid, LoanStatusDefaulted, LoanStatusLiquidated:
		return true
	}
	return false
}

// SagaKind distinguishes the two multi-ledger operations the engine coordinates
type SagaKind string

const (
	SagaKindDisbursement      SagaKind = "DISBURSEMENT"
	SagaKindCollateralRelease SagaKind = "COLLATERAL_RELEASE"
)

// SagaStep is the recorded position of a saga in its step log
type SagaStep string

const (
	SagaStepStarted            SagaStep = "STARTED"
	SagaStepEscrowed           SagaStep = "ESCROWED"
	SagaStepDisbursing         SagaStep = "DISBURSING"
	SagaStepDisbursed          SagaStep = "DISBURSED"
	SagaStepCompleted          SagaStep = "COMPLETED"
	SagaStepFailed             SagaStep = "FAILED"
	SagaStepCompensating       SagaStep = "COMPENSATING"
	SagaStepCompensated        SagaStep = "COMPENSATED"
	SagaStepCompensationFailed SagaStep = "COMPENSATION_FAILED"
)

// TransferKind defines the custody movements a loan can cause
type TransferKind string

const (
	TransferKindEscrow    TransferKind = "ESCROW"
	TransferKindRelease   TransferKind = "RELEASE"
	TransferKindDisburse  TransferKind = "DISBURSE"
	TransferKindRepayment TransferKind = "REPAYMENT"
)

// ReceiptType defines audit log entry categories
type ReceiptType string

const (
	ReceiptTypeEscrow       ReceiptType = "ESCROW"
	ReceiptTypeDisbursement ReceiptType = "DISBURSEMENT"
	ReceiptTypeRelease      ReceiptType = "RELEASE"
	ReceiptTypeRepayment    ReceiptType = "REPAYMENT"
	ReceiptTypeLiquidation  ReceiptType = "LIQUIDATION"
	ReceiptTypeDefault      ReceiptType = "DEFAULT"
)

// ReceiptStatus records the outcome of the movement a receipt describes
type ReceiptStatus string

const (
	ReceiptStatusSuccess ReceiptStatus = "SUCCESS"
	ReceiptStatusFailed  ReceiptStatus = "FAILED"
)

// NotificationKind defines loan events delivered to user inboxes
type NotificationKind string

const (
	NotificationLoanDisbursed       NotificationKind = "LOAN_DISBURSED"
	NotificationLoanRepaid          NotificationKind = "LOAN_REPAID"
	NotificationLoanPartiallyRepaid NotificationKind = "LOAN_PARTIALLY_REPAID"
	NotificationLoanLiquidated      NotificationKind = "LOAN_LIQUIDATED"
	NotificationLoanDefaulted       NotificationKind = "LOAN_DEFAULTED"
	NotificationLoanOverdue         NotificationKind = "LOAN_OVERDUE"
	NotificationDisbursementFailed  NotificationKind = "DISBURSEMENT_FAILED"
)

// IsValid reports whether k is a known notification kind
func (k NotificationKind) IsValid() bool {
	switch k {
	case NotificationLoanDisbursed, NotificationLoanRepaid, NotificationLoanPartiallyRepaid,
		NotificationLoanLiquidated, NotificationLoanDefaulted, NotificationLoanOverdue,
		NotificationDisbursementFailed:
		return true
	}
	return false
}

// AssetUSDC is the stablecoin asset code used for principal and repayments
const AssetUSDC = "USDC"

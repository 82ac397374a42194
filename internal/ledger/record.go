package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the outcome of a single attempt.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Kind is the transaction type of a step.
type Kind string

const (
	KindDeploy Kind = "deploy"
	KindCall   Kind = "call"
)

// Record is one submission attempt for a step. A retry is a second Record
// with the same StepName and a higher Attempt.
type Record struct {
	StepName        string          `json:"stepName"`
	Kind            Kind            `json:"kind"`
	Attempt         int             `json:"attempt"`
	AttemptID       string          `json:"attemptId"`
	Address         *common.Address `json:"address"`
	TransactionHash *common.Hash    `json:"transactionHash"`
	Nonce           uint64          `json:"nonce"`
	GasPrice        *big.Int        `json:"gasPrice,omitempty"`
	GasLimit        uint64          `json:"gasLimit"`
	GasUsed         uint64          `json:"gasUsed"`
	BlockNumber     uint64          `json:"blockNumber"`
	Confirmations   uint64          `json:"confirmations"`
	Status          Status          `json:"status"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      *time.Time      `json:"finishedAt,omitempty"`
}

// IsConfirmed reports whether the attempt reached confirmation.
func (r Record) IsConfirmed() bool {
	return r.Status == StatusConfirmed
}

func (r Record) clone() Record {
	out := r
	if r.Address != nil {
		a := *r.Address
		out.Address = &a
	}
	if r.TransactionHash != nil {
		h := *r.TransactionHash
		out.TransactionHash = &h
	}
	if r.GasPrice != nil {
		out.GasPrice = new(big.Int).Set(r.GasPrice)
	}
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// RunStatus is the state of a whole run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Metadata describes the run a ledger belongs to.
type Metadata struct {
	RunID           string         `json:"runId"`
	PlanName        string         `json:"planName,omitempty"`
	Network         string         `json:"network"`
	ChainID         uint64         `json:"chainId"`
	ExplorerURL     string         `json:"explorerUrl,omitempty"`
	Deployer        common.Address `json:"deployer"`
	DeployerBalance *big.Int       `json:"deployerBalance"`
	StartedAt       time.Time      `json:"startedAt"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	FinalBalance    *big.Int       `json:"finalBalance,omitempty"`
	Status          RunStatus      `json:"status"`
	Error           string         `json:"error,omitempty"`
	ResumedFrom     string         `json:"resumedFrom,omitempty"`
}

func (m Metadata) clone() Metadata {
	out := m
	if m.DeployerBalance != nil {
		out.DeployerBalance = new(big.Int).Set(m.DeployerBalance)
	}
	if m.FinalBalance != nil {
		out.FinalBalance = new(big.Int).Set(m.FinalBalance)
	}
	if m.FinishedAt != nil {
		t := *m.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Snapshot is the persisted form of a ledger.
type Snapshot struct {
	Metadata Metadata `json:"metadata"`
	Records  []Record `json:"records"`
}

// Confirmed returns the latest confirmed record for step.
func (s *Snapshot) Confirmed(step string) (Record, bool) {
	for i := len(s.Records) - 1; i >= 0; i-- {
		if s.Records[i].StepName == step && s.Records[i].IsConfirmed() {
			return s.Records[i], true
		}
	}
	return Record{}, false
}

// TotalGasUsed sums gas over confirmed records.
func (s *Snapshot) TotalGasUsed() uint64 {
	var total uint64
	for _, r := range s.Records {
		if r.IsConfirmed() {
			total += r.GasUsed
		}
	}
	return total
}

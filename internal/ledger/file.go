package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TimestampLayout formats run start times in file names.
const TimestampLayout = "2006-01-02T15-04-05Z"

// FilePaths names the files of one run.
type FilePaths struct {
	Ledger  string
	Report  string
	TxIndex string
}

// PathsFor returns the file names for a run started at startedAt.
func PathsFor(dir, prefix string, startedAt time.Time) FilePaths {
	ts := startedAt.UTC().Format(TimestampLayout)
	return FilePaths{
		Ledger:  filepath.Join(dir, fmt.Sprintf("%s-deployment-%s.json", prefix, ts)),
		Report:  filepath.Join(dir, fmt.Sprintf("%s-report-%s.md", prefix, ts)),
		TxIndex: filepath.Join(dir, fmt.Sprintf("%s-tx-hashes-%s.json", prefix, ts)),
	}
}

// NewFileSinks returns the JSON and report sinks, plus the transaction index
// sink when txIndex is set.
func NewFileSinks(dir, prefix string, startedAt time.Time, txIndex bool) []Sink {
	p := PathsFor(dir, prefix, startedAt)
	sinks := []Sink{NewJSONSink(p.Ledger), NewReportSink(p.Report)}
	if txIndex {
		sinks = append(sinks, NewTxIndexSink(p.TxIndex))
	}
	return sinks
}

// JSONSink writes the structured ledger.
type JSONSink struct {
	path string
}

// NewJSONSink creates a sink writing to path.
func NewJSONSink(path string) *JSONSink {
	return &JSONSink{path: path}
}

func (s *JSONSink) Name() string { return "json" }

func (s *JSONSink) Path() string { return s.path }

func (s *JSONSink) Write(_ context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	return writeFileAtomic(s.path, append(data, '\n'))
}

// Load reads a ledger written by JSONSink.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	return &snap, nil
}

// TxIndex lists the transaction hashes of a run by step.
type TxIndex struct {
	Network      string              `json:"network"`
	ChainID      uint64              `json:"chainId"`
	Deployer     common.Address      `json:"deployer"`
	Timestamp    time.Time           `json:"timestamp"`
	Transactions map[string][]string `json:"transactions"`
}

// TxIndexSink writes a TxIndex.
type TxIndexSink struct {
	path string
}

// NewTxIndexSink creates a sink writing to path.
func NewTxIndexSink(path string) *TxIndexSink {
	return &TxIndexSink{path: path}
}

func (s *TxIndexSink) Name() string { return "tx_index" }

func (s *TxIndexSink) Path() string { return s.path }

func (s *TxIndexSink) Write(_ context.Context, snap *Snapshot) error {
	idx := TxIndex{
		Network:      snap.Metadata.Network,
		ChainID:      snap.Metadata.ChainID,
		Deployer:     snap.Metadata.Deployer,
		Timestamp:    snap.Metadata.StartedAt,
		Transactions: make(map[string][]string),
	}
	for _, r := range snap.Records {
		if r.TransactionHash == nil {
			continue
		}
		idx.Transactions[r.StepName] = append(idx.Transactions[r.StepName], r.TransactionHash.Hex())
	}

	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal tx index: %w", err)
	}
	return writeFileAtomic(s.path, append(data, '\n'))
}

// writeFileAtomic replaces path with data so readers never see a partial
// file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

var (
	_ FileSink = (*JSONSink)(nil)
	_ FileSink = (*TxIndexSink)(nil)
)

package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/Bidon15/popdeploy/internal/pkg/units"
)

// ReportSink writes the Markdown report.
type ReportSink struct {
	path string
}

// NewReportSink creates a sink writing to path.
func NewReportSink(path string) *ReportSink {
	return &ReportSink{path: path}
}

func (s *ReportSink) Name() string { return "report" }

func (s *ReportSink) Path() string { return s.path }

func (s *ReportSink) Write(_ context.Context, snap *Snapshot) error {
	return writeFileAtomic(s.path, RenderReport(snap))
}

// RenderReport renders a human-readable Markdown report from a snapshot.
func RenderReport(snap *Snapshot) []byte {
	var b strings.Builder
	m := snap.Metadata

	title := "Deployment Report"
	if m.PlanName != "" {
		title = fmt.Sprintf("Deployment Report: %s", m.PlanName)
	}
	fmt.Fprintf(&b, "# %s\n\n", title)

	b.WriteString("## Network Information\n\n")
	fmt.Fprintf(&b, "- **Network**: %s\n", m.Network)
	fmt.Fprintf(&b, "- **Chain ID**: %d\n", m.ChainID)
	fmt.Fprintf(&b, "- **Deployer**: `%s`\n", m.Deployer.Hex())
	fmt.Fprintf(&b, "- **Starting balance**: %s\n", formatBalance(m.DeployerBalance))
	fmt.Fprintf(&b, "- **Started**: %s\n", m.StartedAt.UTC().Format(time.RFC3339))
	if m.RunID != "" {
		fmt.Fprintf(&b, "- **Run ID**: %s\n", m.RunID)
	}
	if m.ResumedFrom != "" {
		fmt.Fprintf(&b, "- **Resumed from**: %s\n", m.ResumedFrom)
	}
	b.WriteString("\n")

	confirmed := make([]Record, 0, len(snap.Records))
	var failed []Record
	for _, r := range snap.Records {
		switch r.Status {
		case StatusConfirmed:
			confirmed = append(confirmed, r)
		case StatusFailed:
			failed = append(failed, r)
		}
	}

	b.WriteString("## Deployed Contracts\n\n")
	if len(confirmed) == 0 {
		b.WriteString("No steps confirmed.\n\n")
	}
	for _, r := range confirmed {
		fmt.Fprintf(&b, "### %s\n\n", r.StepName)
		if r.Address != nil {
			label := "Address"
			if r.Kind == KindCall {
				label = "Target"
			}
			fmt.Fprintf(&b, "- **%s**: `%s`\n", label, r.Address.Hex())
		}
		if r.TransactionHash != nil {
			fmt.Fprintf(&b, "- **Transaction**: `%s`\n", r.TransactionHash.Hex())
		}
		fmt.Fprintf(&b, "- **Block**: %d\n", r.BlockNumber)
		fmt.Fprintf(&b, "- **Gas used**: %d\n", r.GasUsed)
		if r.GasPrice != nil {
			fmt.Fprintf(&b, "- **Gas price**: %s gwei\n", units.FormatGwei(r.GasPrice))
		}
		fmt.Fprintf(&b, "- **Confirmations**: %d\n", r.Confirmations)
		if m.ExplorerURL != "" {
			explorer := strings.TrimRight(m.ExplorerURL, "/")
			if r.Address != nil {
				fmt.Fprintf(&b, "- **Explorer**: %s/address/%s\n", explorer, r.Address.Hex())
			}
			if r.TransactionHash != nil {
				fmt.Fprintf(&b, "- **Transaction link**: %s/tx/%s\n", explorer, r.TransactionHash.Hex())
			}
		}
		b.WriteString("\n")
	}

	if len(failed) > 0 {
		b.WriteString("## Failed Attempts\n\n")
		for _, r := range failed {
			fmt.Fprintf(&b, "- **%s** (attempt %d, nonce %d): %s", r.StepName, r.Attempt, r.Nonce, r.ErrorMessage)
			if r.TransactionHash != nil {
				fmt.Fprintf(&b, " (tx `%s`)", r.TransactionHash.Hex())
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("## Summary\n\n")
	b.WriteString("| Step | Attempt | Status | Address | Gas Used |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, r := range snap.Records {
		addr := "-"
		if r.Address != nil {
			addr = "`" + r.Address.Hex() + "`"
		}
		fmt.Fprintf(&b, "| %s | %d | %s | %s | %d |\n", r.StepName, r.Attempt, r.Status, addr, r.GasUsed)
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "- **Total gas used**: %d\n", snap.TotalGasUsed())
	fmt.Fprintf(&b, "- **Run status**: %s\n", m.Status)
	if m.Error != "" {
		fmt.Fprintf(&b, "- **Error**: %s\n", m.Error)
	}
	if m.FinishedAt != nil {
		fmt.Fprintf(&b, "- **Finished**: %s\n", m.FinishedAt.UTC().Format(time.RFC3339))
	}
	if m.FinalBalance != nil {
		fmt.Fprintf(&b, "- **Final balance**: %s\n", formatBalance(m.FinalBalance))
	}

	return []byte(b.String())
}

func formatBalance(wei *big.Int) string {
	if wei == nil {
		return "unknown"
	}
	return units.FormatEther(wei)
}

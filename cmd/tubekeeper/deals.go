package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tubekeeper/internal/app"
	"tubekeeper/internal/domain"
	"tubekeeper/internal/ledger"
)

func dealsCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "deals",
		Short: "List escrow deals read from the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var want *domain.DealStatus
			if status != "" {
				st, err := dealStatusOf(status)
				if err != nil {
					return err
				}
				want = &st
			}
			return withLedger(cmd.Context(), func(ctx context.Context, g *ledger.EVMGateway) error {
				count, err := g.DealCount(ctx)
				if err != nil {
					return err
				}
				deals := []domain.Deal{}
				for id := uint64(0); id < count; id++ {
					d, err := g.Deal(ctx, id)
					if err != nil {
						fmt.Fprintf(os.Stderr, "deal %d: %v\n", id, err)
						continue
					}
					if want != nil && d.Status != *want {
						continue
					}
					deals = append(deals, d)
				}
				if viper.GetBool("json") {
					return printJSON(deals)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "Status", "Mode", "Video", "Verified views", "Deposited", "Paid"})
				for _, d := range deals {
					t.AppendRow(table.Row{d.ID, d.Status, d.PaymentMode, d.VideoID, d.LastVerifiedViews, d.TotalDeposited.String(), d.TotalPaid.String()})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only deals in this status (open, in_progress, in_review, active, completed, terminated)")
	return cmd
}

func dealCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "deal",
		Short: "Inspect or drive a single deal on the ledger",
	}
	d.AddCommand(dealShowCmd())
	d.AddCommand(dealAcceptCmd())
	d.AddCommand(dealSubmitVideoCmd())
	d.AddCommand(dealApproveCmd())
	d.AddCommand(dealClaimExpiredCmd())
	return d
}

func dealShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <deal-id>",
		Short: "Show a deal with its payout terms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseDealID(args[0])
			if err != nil {
				return err
			}
			return withLedger(cmd.Context(), func(ctx context.Context, g *ledger.EVMGateway) error {
				deal, err := g.Deal(ctx, id)
				if err != nil {
					return err
				}
				out := map[string]any{"deal": deal}
				switch deal.PaymentMode {
				case domain.PaymentMilestone:
					ms, err := g.Milestones(ctx, id)
					if err != nil {
						return err
					}
					out["milestones"] = ms
				case domain.PaymentLinear:
					cfg, err := g.LinearConfig(ctx, id)
					if err != nil {
						return err
					}
					out["linear"] = cfg
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func dealAcceptCmd() *cobra.Command {
	var creator string
	cmd := &cobra.Command{
		Use:   "accept <deal-id>",
		Short: "Assign the creator of an open deal",
		Args:  cobra.ExactArgs(1),
		RunE: dealWrite(func(ctx context.Context, g *ledger.EVMGateway, id uint64) (ledger.Receipt, error) {
			return g.AcceptCreator(ctx, id, creator)
		}),
	}
	cmd.Flags().StringVar(&creator, "creator", "", "creator address")
	_ = cmd.MarkFlagRequired("creator")
	return cmd
}

func dealSubmitVideoCmd() *cobra.Command {
	var videoID, etag string
	cmd := &cobra.Command{
		Use:   "submit-video <deal-id>",
		Short: "Submit the video id and its current etag for review",
		Args:  cobra.ExactArgs(1),
		RunE: dealWrite(func(ctx context.Context, g *ledger.EVMGateway, id uint64) (ledger.Receipt, error) {
			return g.SubmitVideo(ctx, id, videoID, ledger.EtagHash(etag))
		}),
	}
	cmd.Flags().StringVar(&videoID, "video", "", "YouTube video id")
	cmd.Flags().StringVar(&etag, "etag", "", "raw etag reported by the YouTube API")
	_ = cmd.MarkFlagRequired("video")
	_ = cmd.MarkFlagRequired("etag")
	return cmd
}

func dealApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <deal-id>",
		Short: "Approve the submitted video and activate the deal",
		Args:  cobra.ExactArgs(1),
		RunE: dealWrite(func(ctx context.Context, g *ledger.EVMGateway, id uint64) (ledger.Receipt, error) {
			return g.ApproveVideo(ctx, id)
		}),
	}
}

func dealClaimExpiredCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "claim-expired <deal-id>",
		Short: "Refund an expired, unpaid milestone to the client",
		Args:  cobra.ExactArgs(1),
		RunE: dealWrite(func(ctx context.Context, g *ledger.EVMGateway, id uint64) (ledger.Receipt, error) {
			return g.ClaimExpired(ctx, id, index)
		}),
	}
	cmd.Flags().IntVar(&index, "index", 0, "milestone index")
	return cmd
}

func dealWrite(fn func(context.Context, *ledger.EVMGateway, uint64) (ledger.Receipt, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseDealID(args[0])
		if err != nil {
			return err
		}
		return withLedger(cmd.Context(), func(ctx context.Context, g *ledger.EVMGateway) error {
			receipt, err := fn(ctx, g, id)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(receipt)
			}
			fmt.Printf("tx %s mined in block %d\n", receipt.TxHash, receipt.Block)
			return nil
		})
	}
}

func withLedger(ctx context.Context, fn func(context.Context, *ledger.EVMGateway) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Ledger.RPCURL == "" || cfg.Ledger.Address == "" {
		return fmt.Errorf("ledger.rpc_url and ledger.trusttube_address are required")
	}
	g, err := app.DialLedger(ctx, cfg, newLogger())
	if err != nil {
		return err
	}
	return fn(ctx, g)
}

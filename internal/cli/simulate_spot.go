package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"spot-alerts/internal/app"
)

var (
	simulateOwner    string
	simulateCallsign string
	simulateMode     string
	simulateFreq     string
	simulateSpotter  string
)

var simulateSpotCmd = &cobra.Command{
	Use:   "simulate-spot",
	Short: "Send a synthetic spot through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateSpotOptions{
			OwnerID:  simulateOwner,
			Callsign: simulateCallsign,
			Mode:     simulateMode,
			Spotter:  simulateSpotter,
		}
		if simulateFreq != "" {
			freq, err := decimal.NewFromString(simulateFreq)
			if err != nil {
				return fmt.Errorf("invalid --freq value: %w", err)
			}
			opts.Frequency = freq
		}
		return getApp().SimulateSpot(cmd.Context(), opts)
	},
}

func init() {
	simulateSpotCmd.Flags().StringVar(&simulateOwner, "owner", "", "Owner to notify")
	simulateSpotCmd.Flags().StringVar(&simulateCallsign, "callsign", "", "Spotted callsign")
	simulateSpotCmd.Flags().StringVar(&simulateMode, "mode", "FT8", "Spot mode")
	simulateSpotCmd.Flags().StringVar(&simulateFreq, "freq", "", "Frequency in Hz")
	simulateSpotCmd.Flags().StringVar(&simulateSpotter, "spotter", "", "Receiving station")
}

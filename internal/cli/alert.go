package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"spot-alerts/internal/alerts"
)

var (
	alertOwner   string
	alertPattern string
	alertPrefix  bool
	alertModes   []string
	alertSource  string
	alertAll     bool
	alertID      int64
)

var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage callsign and prefix alerts",
}

var alertAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AddAlert(cmd.Context(), alerts.CreateRequest{
			OwnerID:  alertOwner,
			Pattern:  alertPattern,
			IsPrefix: alertPrefix,
			Modes:    alertModes,
			Source:   alertSource,
		})
	},
}

var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an owner's alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListAlerts(cmd.Context(), alertOwner, !alertAll)
	},
}

var alertRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove an alert by id, or every alert for a pattern",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (alertID > 0) == (alertPattern != "") {
			return errors.New("exactly one of --id or --pattern is required")
		}
		return getApp().RemoveAlert(cmd.Context(), alertOwner, alertID, alertPattern)
	},
}

func init() {
	alertCmd.PersistentFlags().StringVar(&alertOwner, "owner", "", "Owner identifier (e.g. Telegram chat id)")
	_ = alertCmd.MarkPersistentFlagRequired("owner")

	alertAddCmd.Flags().StringVar(&alertPattern, "pattern", "", "Callsign or prefix to watch")
	alertAddCmd.Flags().BoolVar(&alertPrefix, "prefix", false, "Treat the pattern as a callsign prefix")
	alertAddCmd.Flags().StringSliceVar(&alertModes, "modes", nil, "Comma separated modes (defaults to config)")
	alertAddCmd.Flags().StringVar(&alertSource, "source", "", "Spot source (defaults to the first enabled source)")
	_ = alertAddCmd.MarkFlagRequired("pattern")

	alertListCmd.Flags().BoolVar(&alertAll, "all", false, "Include inactive and expired alerts")

	alertRemoveCmd.Flags().Int64Var(&alertID, "id", 0, "Alert id to remove")
	alertRemoveCmd.Flags().StringVar(&alertPattern, "pattern", "", "Remove every active alert for this pattern")

	alertCmd.AddCommand(alertAddCmd, alertListCmd, alertRemoveCmd)
}

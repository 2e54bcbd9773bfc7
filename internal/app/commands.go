package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"spot-alerts/internal/alerts"
	"spot-alerts/internal/metrics"
	"spot-alerts/internal/service"
)

// Migrate creates or verifies the database schema.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx, "migrate")
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Migrate(ctx); err != nil {
		return err
	}
	a.Logger.Info().Msg("schema up to date")
	return nil
}

// PollOnce runs a single poll cycle and prints its report.
func (a *App) PollOnce(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx, "poll")
	if err != nil {
		return err
	}
	defer closeStore()

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()

	poller := a.newPoller(store, store, notifier, metrics.New())
	report, err := poller.RunCycle(ctx)
	a.printReport(report)
	return err
}

func (a *App) printReport(r service.CycleReport) {
	if r.ID == "" {
		return
	}
	if r.Skipped {
		fmt.Fprintf(a.Out, "cycle %s skipped: another replica holds the poll lock\n", r.ID)
		return
	}
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "cycle\t%s\n", r.ID)
	fmt.Fprintf(w, "alerts\t%d\n", r.Alerts)
	fmt.Fprintf(w, "sources\t%s\n", strings.Join(r.Sources, ","))
	fmt.Fprintf(w, "spots\t%d\n", r.Spots)
	fmt.Fprintf(w, "matches\t%d\n", r.Matches)
	fmt.Fprintf(w, "sent\t%d\n", r.Sent)
	fmt.Fprintf(w, "duplicates\t%d\n", r.Duplicates)
	fmt.Fprintf(w, "cooldown\t%d\n", r.Cooldown)
	fmt.Fprintf(w, "quota\t%d\n", r.Quota)
	fmt.Fprintf(w, "delivery failures\t%d\n", r.DeliveryFailures)
	fmt.Fprintf(w, "errors\t%d\n", r.Errors)
	fmt.Fprintf(w, "duration\t%s\n", r.Duration.Round(time.Millisecond))
	w.Flush()
}

// Sweep runs one expiration sweep.
func (a *App) Sweep(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx, "sweep")
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := service.NewSweeper(store, nil, nil, a.Logger).Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "expired %d alert(s)\n", n)
	return nil
}

// AddAlert creates an alert for owner and prints its id.
func (a *App) AddAlert(ctx context.Context, req alerts.CreateRequest) error {
	store, closeStore, err := a.requireStore(ctx, "add alerts")
	if err != nil {
		return err
	}
	defer closeStore()

	id, err := a.alertService(store).CreateAlert(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "alert #%d created\n", id)
	return nil
}

// ListAlerts prints the owner's alerts.
func (a *App) ListAlerts(ctx context.Context, ownerID string, activeOnly bool) error {
	store, closeStore, err := a.requireStore(ctx, "list alerts")
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := a.alertService(store).ListAlerts(ctx, ownerID, activeOnly)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return nil
	}

	now := time.Now().UTC()
	w := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPattern\tKind\tModes\tSource\tExpires (UTC)\tStatus")
	for _, al := range list {
		modes := strings.Join(al.Modes, ",")
		if modes == "" {
			modes = "default"
		}
		status := "active"
		switch {
		case !al.Active:
			status = "inactive"
		case !al.Live(now):
			status = "expired"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			al.ID, al.Pattern, al.Kind(), modes, al.Source,
			al.ExpiresAt.UTC().Format(time.RFC3339), status)
	}
	return w.Flush()
}

// RemoveAlert deactivates one alert, or every alert for pattern when alertID is zero.
func (a *App) RemoveAlert(ctx context.Context, ownerID string, alertID int64, pattern string) error {
	store, closeStore, err := a.requireStore(ctx, "remove alerts")
	if err != nil {
		return err
	}
	defer closeStore()

	svc := a.alertService(store)
	if alertID > 0 {
		if err := svc.RemoveAlert(ctx, ownerID, alertID); err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "alert #%d removed\n", alertID)
		return nil
	}
	n, err := svc.RemoveAlertsByPattern(ctx, ownerID, pattern)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "removed %d alert(s) for %s\n", n, strings.ToUpper(strings.TrimSpace(pattern)))
	return nil
}

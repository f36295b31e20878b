package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/harun/warband/pkg/cron"
	"github.com/harun/warband/pkg/scheduler"
	"github.com/harun/warband/pkg/store"
)

var fireCmd = &cobra.Command{
	Use:   "fire <pulse|rhythm> <id>",
	Short: "Run one recurring task now without touching its schedule",
	Long: `Ask the running daemon to execute a pulse or rhythm immediately.
The result is delivered to the user like a scheduled run, but the task's
firing bookkeeping is left untouched.`,
	Args: cobra.ExactArgs(2),
	RunE: runFire,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler tick now",
	Args:  cobra.NoArgs,
	RunE:  runTick,
}

var (
	pulseInstruction string

	rhythmName        string
	rhythmTimezone    string
	rhythmInstruction string
)

var addPulseCmd = &cobra.Command{
	Use:   "add-pulse <persona-id> <morning|midday|evening|night> <hour>",
	Short: "Create a daily pulse for a persona",
	Args:  cobra.ExactArgs(3),
	RunE:  runAddPulse,
}

var addRhythmCmd = &cobra.Command{
	Use:   "add-rhythm <persona-id> <schedule>",
	Short: "Create a cron rhythm for a persona",
	Long: `Create a rhythm on a 5-field cron expression or a short phrase such as
"every weekday at 9am". The owner's plan limits how many rhythms a persona
may have.`,
	Args: cobra.ExactArgs(2),
	RunE: runAddRhythm,
}

var linkSlot string

var linkCodeCmd = &cobra.Command{
	Use:   "link-code <user-id>",
	Short: "Issue a connection code for a user's channel slot",
	Args:  cobra.ExactArgs(1),
	RunE:  runLinkCode,
}

func init() {
	linkCodeCmd.Flags().StringVar(&linkSlot, "slot", string(store.SlotPrimary), "slot to bind (primary, secondary)")

	addPulseCmd.Flags().StringVar(&pulseInstruction, "instruction", "", "what the persona should say")
	_ = addPulseCmd.MarkFlagRequired("instruction")

	addRhythmCmd.Flags().StringVar(&rhythmName, "name", "", "rhythm name")
	addRhythmCmd.Flags().StringVar(&rhythmTimezone, "tz", "", "IANA timezone (default UTC)")
	addRhythmCmd.Flags().StringVar(&rhythmInstruction, "instruction", "", "what the persona should do")
	_ = addRhythmCmd.MarkFlagRequired("instruction")

	rootCmd.AddCommand(fireCmd, tickCmd, linkCodeCmd, addPulseCmd, addRhythmCmd)
}

func runFire(cmd *cobra.Command, args []string) error {
	kind, err := scheduler.ParseTaskKind(args[0])
	if err != nil {
		return err
	}
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid task id %q", args[1])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var out scheduler.Outcome
	if err := newAdminClient(cfg).post(cmd.Context(), fmt.Sprintf("/v1/tasks/%s/%d/fire", kind, id), nil, &out); err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func runTick(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var report scheduler.TickReport
	if err := newAdminClient(cfg).post(cmd.Context(), "/v1/scheduler/tick", nil, &report); err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runAddPulse(cmd *cobra.Command, args []string) error {
	kind := store.PulseKind(args[1])
	if !kind.Valid() {
		return fmt.Errorf("unknown pulse kind %q", args[1])
	}
	hour, err := strconv.Atoi(args[2])
	if err != nil || hour < 0 || hour > 23 {
		return fmt.Errorf("hour must be 0-23, got %q", args[2])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	body := map[string]any{"kind": kind, "hour": hour, "instruction": pulseInstruction}
	var out store.Pulse
	if err := newAdminClient(cfg).post(cmd.Context(), fmt.Sprintf("/v1/personas/%s/pulses", args[0]), body, &out); err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func runAddRhythm(cmd *cobra.Command, args []string) error {
	expr := args[1]
	if !cron.IsValid(expr) {
		parsed, err := cron.FromPhrase(expr)
		if err != nil {
			return fmt.Errorf("schedule %q is neither a cron expression nor a known phrase", expr)
		}
		expr = parsed
	}
	name := rhythmName
	if name == "" {
		name = cron.Describe(expr)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	body := map[string]any{"name": name, "cron": expr, "timezone": rhythmTimezone, "instruction": rhythmInstruction}
	var out store.Rhythm
	if err := newAdminClient(cfg).post(cmd.Context(), fmt.Sprintf("/v1/personas/%s/rhythms", args[0]), body, &out); err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func runLinkCode(cmd *cobra.Command, args []string) error {
	slot := store.Slot(linkSlot)
	if !slot.Valid() {
		return fmt.Errorf("unknown slot %q", linkSlot)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var out map[string]any
	path := fmt.Sprintf("/v1/users/%s/link-codes?slot=%s", args[0], slot)
	if err := newAdminClient(cfg).post(cmd.Context(), path, nil, &out); err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

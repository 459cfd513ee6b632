package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/clinicsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	casesJSONOutput bool

	// cases add
	casesAddInput clinicsync.CaseInput

	// cases update
	casesUpdateFields = map[string]*string{}
)

const requestTimeout = 10 * time.Second

// ============================================================================
// Root cases command
// ============================================================================

var casesCmd = &cobra.Command{
	Use:   "cases",
	Short: "Case record commands",
	Long:  "List, inspect, create, triage and delete case records on the configured backend.",
}

// ============================================================================
// cases list
// ============================================================================

var casesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cases, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore(getConfig())

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		list, err := store.List(ctx)
		if err != nil {
			return apiError(err)
		}
		if casesJSONOutput {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No cases.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCREATED\tSTATUS\tPATIENT\tSERVICE")
		for _, r := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Local().Format("2006-01-02 15:04"), r.Status, r.PatientName, r.Service)
		}
		return w.Flush()
	},
}

// ============================================================================
// cases get
// ============================================================================

var casesGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore(getConfig())

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		rec, err := store.Get(ctx, args[0])
		if err != nil {
			return apiError(err)
		}
		if casesJSONOutput {
			return printJSON(rec)
		}
		printCase(rec)
		return nil
	},
}

func printCase(r *clinicsync.CaseRecord) {
	fmt.Printf("ID:           %s\n", r.ID)
	fmt.Printf("Status:       %s\n", r.Status)
	fmt.Printf("Created:      %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Updated:      %s\n", r.UpdatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Patient:      %s <%s>\n", r.PatientName, r.PatientEmail)
	if r.PatientPhone != "" {
		fmt.Printf("Phone:        %s\n", r.PatientPhone)
	}
	fmt.Printf("Service:      %s\n", r.Service)
	if r.PreferredDate != "" || r.PreferredTime != "" {
		fmt.Printf("Preferred:    %s %s\n", r.PreferredDate, r.PreferredTime)
	}
	if r.Notes != "" {
		fmt.Printf("Notes:        %s\n", r.Notes)
	}
	if r.AdminNotes != "" {
		fmt.Printf("Admin notes:  %s\n", r.AdminNotes)
	}
	if r.Prescription != "" {
		fmt.Printf("Prescription: %s\n", r.Prescription)
	}
}

// ============================================================================
// cases add
// ============================================================================

var casesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a case",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := casesAddInput.Validate(); err != nil {
			return apiError(err)
		}
		store := getStore(getConfig())

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		rec, err := store.Create(ctx, casesAddInput)
		if err != nil {
			return apiError(err)
		}
		if casesJSONOutput {
			return printJSON(rec)
		}
		fmt.Printf("Created case %s\n", rec.ID)
		return nil
	},
}

// ============================================================================
// cases status
// ============================================================================

var casesStatusCmd = &cobra.Command{
	Use:   "status <id> <status>",
	Short: "Move a case to a new status",
	Long:  "Move a case to a new status: pending, confirmed, in_progress, completed, cancelled.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		status := clinicsync.CaseStatus(args[1])
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", args[1])
		}
		store := getStore(getConfig())

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		rec, err := store.UpdateStatus(ctx, args[0], status)
		if err != nil {
			return apiError(err)
		}
		if casesJSONOutput {
			return printJSON(rec)
		}
		fmt.Printf("Case %s is now %s\n", rec.ID, rec.Status)
		return nil
	},
}

// ============================================================================
// cases update
// ============================================================================

var casesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update case fields",
	Long:  "Update case fields. Only the flags given are changed.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := patchFromFlags(cmd)
		if patch.Empty() {
			return fmt.Errorf("nothing to update: pass at least one field flag")
		}
		store := getStore(getConfig())

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		rec, err := store.Update(ctx, args[0], patch)
		if err != nil {
			return apiError(err)
		}
		if casesJSONOutput {
			return printJSON(rec)
		}
		printCase(rec)
		return nil
	},
}

// patchFromFlags keeps only the flags the user set, so an explicit empty
// value clears a field.
func patchFromFlags(cmd *cobra.Command) clinicsync.CasePatch {
	var p clinicsync.CasePatch
	targets := map[string]**string{
		"name":         &p.PatientName,
		"email":        &p.PatientEmail,
		"phone":        &p.PatientPhone,
		"service":      &p.Service,
		"date":         &p.PreferredDate,
		"time":         &p.PreferredTime,
		"notes":        &p.Notes,
		"admin-notes":  &p.AdminNotes,
		"prescription": &p.Prescription,
	}
	for flag, dst := range targets {
		if cmd.Flags().Changed(flag) {
			*dst = casesUpdateFields[flag]
		}
	}
	return p
}

// ============================================================================
// cases rm
// ============================================================================

var casesRmCmd = &cobra.Command{
	Use:   "rm <id>",
	Short: "Delete a case",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := getStore(getConfig())

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		if err := store.Delete(ctx, args[0]); err != nil {
			return apiError(err)
		}
		fmt.Printf("Deleted case %s\n", args[0])
		return nil
	},
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	casesCmd.PersistentFlags().BoolVar(&casesJSONOutput, "json", false, "Output raw JSON")

	// cases add
	f := casesAddCmd.Flags()
	f.StringVar(&casesAddInput.PatientName, "name", "", "Patient name (required)")
	f.StringVar(&casesAddInput.PatientEmail, "email", "", "Patient email (required)")
	f.StringVar(&casesAddInput.PatientPhone, "phone", "", "Patient phone")
	f.StringVar(&casesAddInput.Service, "service", "", "Requested service (required)")
	f.StringVar(&casesAddInput.PreferredDate, "date", "", "Preferred date (YYYY-MM-DD)")
	f.StringVar(&casesAddInput.PreferredTime, "time", "", "Preferred time (HH:MM)")
	f.StringVar(&casesAddInput.Notes, "notes", "", "Patient notes")

	// cases update
	for _, field := range []struct{ flag, usage string }{
		{"name", "Patient name"},
		{"email", "Patient email"},
		{"phone", "Patient phone"},
		{"service", "Requested service"},
		{"date", "Preferred date (YYYY-MM-DD)"},
		{"time", "Preferred time (HH:MM)"},
		{"notes", "Patient notes"},
		{"admin-notes", "Internal admin notes"},
		{"prescription", "Prescription text"},
	} {
		v := new(string)
		casesUpdateFields[field.flag] = v
		casesUpdateCmd.Flags().StringVar(v, field.flag, "", field.usage)
	}

	casesCmd.AddCommand(casesListCmd)
	casesCmd.AddCommand(casesGetCmd)
	casesCmd.AddCommand(casesAddCmd)
	casesCmd.AddCommand(casesStatusCmd)
	casesCmd.AddCommand(casesUpdateCmd)
	casesCmd.AddCommand(casesRmCmd)

	rootCmd.AddCommand(casesCmd)
}

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"cabohealth/pkg/domain"
	"cabohealth/services/portal/internal/routes"
	"cabohealth/services/portal/internal/session"
	"cabohealth/services/portal/internal/workflow"

	"github.com/spf13/cobra"
)

// guard runs the route decision for path and fails unless it renders want.
func (p *portal) guard(path string, want routes.Page) (routes.Decision, error) {
	d := routes.Decide(path, p.session.State())
	switch d.Kind {
	case routes.Render:
		if want != "" && d.Page != want {
			return d, fmt.Errorf("%s is not available for a %s account", path, p.session.State().Role)
		}
		return d, nil
	case routes.Redirect:
		if d.Target == routes.PathLogin {
			if err := p.session.State().Err; err != nil {
				return d, fmt.Errorf("role lookup failed: %w", err)
			}
			return d, errors.New("not signed in with a profile; run `portal login` or `portal complete-profile`")
		}
		return d, fmt.Errorf("%s is not available for a %s account", path, p.session.State().Role)
	case routes.Wait:
	}
	return d, errors.New("session is still loading")
}

func readPassword(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv("CABO_PASSWORD"); env != "" {
		return env, nil
	}
	fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", errors.New("password is required")
	}
	return password, nil
}

func loginCmd(p *portal) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			if err := p.session.SignIn(cmd.Context(), args[0], pw); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), p.session.State())
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (defaults to CABO_PASSWORD or a prompt)")
	return cmd
}

func profileFlags(cmd *cobra.Command, f *session.ProfileFields, role *string) {
	cmd.Flags().StringVar(role, "role", "", "doctor or patient")
	cmd.Flags().StringVar(&f.Name, "name", "", "full name")
	cmd.Flags().StringVar(&f.Email, "profile-email", "", "contact email (defaults to the account email)")
	cmd.Flags().StringVar(&f.Phone, "phone", "", "phone number")
	cmd.Flags().StringVar(&f.Specialty, "specialty", "", "doctor specialty")
	cmd.Flags().StringVar(&f.LicenseNumber, "license", "", "doctor license number")
	cmd.Flags().StringVar(&f.ClinicName, "clinic", "", "doctor clinic name")
	cmd.Flags().StringVar(&f.BirthDate, "birth-date", "", "patient birth date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.Gender, "gender", "", "patient gender")
	_ = cmd.MarkFlagRequired("role")
}

func registerCmd(p *portal) *cobra.Command {
	var (
		fields   session.ProfileFields
		role     string
		password string
	)
	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account and its doctor or patient profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			pw, err := readPassword(cmd, password)
			if err != nil {
				return err
			}
			err = p.session.SignUp(cmd.Context(), args[0], pw, r, fields)
			var insertErr *session.ProfileInsertError
			if errors.As(err, &insertErr) {
				return fmt.Errorf("account %s was created but its profile was not (%v); retry with `portal complete-profile`", insertErr.IdentityID, insertErr.Err)
			}
			if err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), p.session.State())
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (defaults to CABO_PASSWORD or a prompt)")
	profileFlags(cmd, &fields, &role)
	return cmd
}

func completeProfileCmd(p *portal) *cobra.Command {
	var (
		fields session.ProfileFields
		role   string
	)
	cmd := &cobra.Command{
		Use:   "complete-profile",
		Short: "Create the missing profile for the signed-in account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := domain.ParseRole(role)
			if err != nil {
				return err
			}
			if err := p.session.CompleteProfile(cmd.Context(), r, fields); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), p.session.State())
			return nil
		},
	}
	profileFlags(cmd, &fields, &role)
	return cmd
}

func logoutCmd(p *portal) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the local session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := p.session.SignOut(cmd.Context()); err != nil {
				p.logger.Warn("remote sign-out failed", "err", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func whoamiCmd(p *portal) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in account and role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printState(cmd.OutOrStdout(), p.session.State())
			return nil
		},
	}
}

func openCmd(p *portal) *cobra.Command {
	return &cobra.Command{
		Use:   "open <path>",
		Short: "Show where a portal path leads for the current session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := routes.Decide(args[0], p.session.State())
			out := cmd.OutOrStdout()
			switch d.Kind {
			case routes.Render:
				fmt.Fprintf(out, "render %s", d.Page)
				keys := make([]string, 0, len(d.Params))
				for k := range d.Params {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(out, " %s=%s", k, d.Params[k])
				}
				fmt.Fprintln(out)
			case routes.Redirect:
				fmt.Fprintf(out, "redirect %s\n", d.Target)
			case routes.Wait:
				fmt.Fprintln(out, "wait")
			}
			return nil
		},
	}
}

func dashboardCmd(p *portal) *cobra.Command {
	var filter string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "List analyses for the signed-in role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := p.guard(routes.PathDashboard, "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch d.Page {
			case routes.PageDoctorDashboard:
				f, err := workflow.ParseDoctorFilter(filter)
				if err != nil {
					return err
				}
				dash, err := p.dashboards.Doctor(cmd.Context(), f)
				if err != nil {
					return err
				}
				printDoctorDashboard(out, dash)
			case routes.PagePatientDashboard:
				dash, err := p.dashboards.Patient(cmd.Context(), p.session.State().ProfileID)
				if err != nil {
					return err
				}
				printPatientDashboard(out, dash)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filter, "filter", string(workflow.FilterPending), "doctor filter: all, pending or approved")
	return cmd
}

func reviewCmd(p *portal) *cobra.Command {
	var notes, recommendations, risk string
	cmd := &cobra.Command{
		Use:   "review <analysis-id>",
		Short: "Show an analysis for review, or approve it when notes and recommendations are given",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := p.guard("/doctor/analysis/"+args[0], routes.PageAnalysisReview)
			if err != nil {
				return err
			}
			if err := p.review.Load(cmd.Context(), d.Params["id"]); err != nil {
				return err
			}
			flags := cmd.Flags()
			if !flags.Changed("notes") && !flags.Changed("recommendations") && !flags.Changed("risk") {
				printReview(cmd.OutOrStdout(), p.review.View())
				return nil
			}
			if flags.Changed("notes") {
				if err := p.review.SetNotes(notes); err != nil {
					return err
				}
			}
			if flags.Changed("recommendations") {
				if err := p.review.SetRecommendations(recommendations); err != nil {
					return err
				}
			}
			if flags.Changed("risk") {
				if err := p.review.SetRiskLevel(domain.RiskLevel(risk)); err != nil {
					return err
				}
			}
			if err := p.review.Approve(cmd.Context()); err != nil {
				return err
			}
			printReview(cmd.OutOrStdout(), p.review.View())
			return nil
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "doctor notes")
	cmd.Flags().StringVar(&recommendations, "recommendations", "", "recommendations for the patient")
	cmd.Flags().StringVar(&risk, "risk", "", "risk level: low, medium or high")
	return cmd
}

func uploadCmd(p *portal) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <file.pdf>",
		Short: "Upload a lab PDF for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := p.guard(routes.PathDashboard, routes.PagePatientDashboard); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			res, err := p.uploader.Upload(cmd.Context(), workflow.File{Name: args[0], Data: data}, p.session.State().ProfileID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "analysis %s queued (job %s, %s)\n", res.AnalysisID, res.JobID, res.Status)
			return nil
		},
	}
}

func reportCmd(p *portal) *cobra.Command {
	return &cobra.Command{
		Use:   "report <analysis-id>",
		Short: "Show an approved report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := p.guard("/patient/report/"+args[0], routes.PagePatientReport)
			if err != nil {
				return err
			}
			rep, err := p.dashboards.PatientReport(cmd.Context(), d.Params["id"])
			if err != nil {
				return err
			}
			printPatientReport(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func functionalCmd(p *portal) *cobra.Command {
	return &cobra.Command{
		Use:   "functional <analysis-id>",
		Short: "Show the functional biomarker classification of an analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := p.guard("/doctor/functional/"+args[0], routes.PageFunctional)
			if err != nil {
				return err
			}
			fn, err := p.dashboards.Functional(cmd.Context(), d.Params["id"])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Overall risk: %s\n\n", workflow.RiskText(fn.OverallRisk))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CATEGORY\tBIOMARKER\tVALUE\tCLASS\tOPTIMAL")
			for _, b := range fn.Biomarkers {
				fmt.Fprintf(tw, "%s\t%s\t%g %s\t%s\t%g-%g\n", b.Category, b.Name, b.Value, b.Unit, b.Classification, b.Optimal.Min, b.Optimal.Max)
			}
			return tw.Flush()
		},
	}
}

func notificationsCmd(p *portal) *cobra.Command {
	var unread bool
	var markRead string
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := p.guard(routes.PathDashboard, ""); err != nil {
				return err
			}
			if markRead != "" {
				return p.records.MarkNotificationRead(cmd.Context(), markRead)
			}
			list, err := p.records.ListNotifications(cmd.Context(), unread)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tWHEN\tREAD\tMESSAGE")
			for _, n := range list {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", n.ID, n.CreatedAt.Local().Format(time.DateTime), n.Read, n.Message)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().StringVar(&markRead, "mark-read", "", "mark the notification with this id as read")
	return cmd
}

func printState(w io.Writer, st session.State) {
	if !st.Authenticated() {
		fmt.Fprintln(w, "not signed in")
		return
	}
	fmt.Fprintf(w, "%s (%s)", st.User.Email, st.Role)
	if st.ProfileID != "" {
		fmt.Fprintf(w, " profile %s", st.ProfileID)
	}
	fmt.Fprintln(w)
	if st.Err != nil {
		fmt.Fprintf(w, "role lookup failed: %v\n", st.Err)
	}
}

func printDoctorDashboard(w io.Writer, dash workflow.DoctorDashboard) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ANALYSIS\tPATIENT\tFILE\tSTATUS\tRISK\tUPLOADED")
	for _, row := range dash.Rows {
		risk := workflow.RiskText("")
		if row.Report != nil {
			risk = workflow.RiskText(row.Report.RiskLevel)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", row.Analysis.ID, row.PatientName, row.Analysis.PDFFilename,
			row.Analysis.Status, risk, row.Analysis.UploadedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func printPatientDashboard(w io.Writer, dash workflow.PatientDashboard) {
	fmt.Fprintf(w, "Pending analyses: %d\n", dash.PendingCount)
	if len(dash.RiskTrend) > 0 {
		parts := make([]string, len(dash.RiskTrend))
		for i, s := range dash.RiskTrend {
			parts[i] = fmt.Sprint(s)
		}
		fmt.Fprintf(w, "Risk trend: %s\n", strings.Join(parts, " "))
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ANALYSIS\tFILE\tSTATUS\tUPLOADED")
	for _, row := range dash.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.Analysis.ID, row.Analysis.PDFFilename, row.Analysis.Status,
			row.Analysis.UploadedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func printReview(w io.Writer, v workflow.ReviewView) {
	fmt.Fprintf(w, "Analysis %s [%s]\n", v.Analysis.ID, v.State)
	if v.HasPatient {
		fmt.Fprintf(w, "Patient: %s <%s>\n", v.Patient.Name, v.Patient.Email)
	}
	fmt.Fprintf(w, "Risk: %s\n\n", workflow.RiskText(v.RiskLevel))
	fmt.Fprintln(w, "AI draft:")
	fmt.Fprintln(w, v.Report.AIAnalysis)
	if v.Notes != "" {
		fmt.Fprintf(w, "\nNotes:\n%s\n", v.Notes)
	}
	if v.Recommendations != "" {
		fmt.Fprintf(w, "\nRecommendations:\n%s\n", v.Recommendations)
	}
}

func printPatientReport(w io.Writer, rep workflow.PatientReport) {
	fmt.Fprintf(w, "Report for %s (%s)\n", rep.Analysis.PDFFilename, rep.RiskText)
	if rep.Analysis.ReviewedAt != nil {
		fmt.Fprintf(w, "Reviewed: %s\n", rep.Analysis.ReviewedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "\nDoctor notes:\n%s\n", rep.Report.DoctorNotes)
	fmt.Fprintf(w, "\nRecommendations:\n%s\n", rep.Report.Recommendations)
}

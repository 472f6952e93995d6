package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fleetledger/internal/app"
	"fleetledger/internal/ledger"
	"fleetledger/internal/model"
)

// client command
var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage registered clients",
}

var clientRegisterCmd = &cobra.Command{
	Use:   "register CLIENT_ID",
	Short: "Register a client or record a ping from it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "RegisterClient")
		if err != nil {
			return err
		}
		defer a.Close()

		c, err := a.RegisterClient(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Registered %s (first seen %s)\n", c.ID, c.FirstSeen.Format(timeLayout))
		return nil
	},
}

var clientListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clients",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListClients")
		if err != nil {
			return err
		}
		defer a.Close()

		clients, labels, err := a.ListClients(cmd.Context())
		if err != nil {
			return err
		}
		if len(clients) == 0 {
			fmt.Println("No clients registered.")
			return nil
		}
		for _, c := range clients {
			fmt.Printf("%s  ping:%s  snapshot:%s  %s\n",
				c.ID,
				optionalTime(c.LastPing),
				optionalTime(c.LastSnapshotAt),
				strings.Join(labels[c.ID], ","),
			)
		}
		return nil
	},
}

var clientLabelCmd = &cobra.Command{
	Use:   "label CLIENT_ID LABEL...",
	Short: "Attach labels to a client",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remove, _ := cmd.Flags().GetBool("remove")

		a, err := newApp(cmd, "LabelClient")
		if err != nil {
			return err
		}
		defer a.Close()

		if remove {
			return a.UnlabelClient(cmd.Context(), args[0], args[1:]...)
		}
		return a.LabelClient(cmd.Context(), args[0], args[1:]...)
	},
}

var clientDeleteCmd = &cobra.Command{
	Use:   "delete CLIENT_ID",
	Short: "Delete a client and everything recorded about it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "DeleteClient")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteClient(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", args[0])
		return nil
	},
}

// flow command
var flowCmd = &cobra.Command{
	Use:   "flow",
	Short: "Manage flows",
}

var flowCreateCmd = &cobra.Command{
	Use:   "create CLIENT_ID FLOW_CLASS",
	Short: "Start a flow on a client",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		approval, _ := cmd.Flags().GetString("approval")
		flowArgs, _ := cmd.Flags().GetString("args")

		a, err := newApp(cmd, "CreateFlow")
		if err != nil {
			return err
		}
		defer a.Close()

		var state []byte
		if flowArgs != "" {
			state = []byte(flowArgs)
		}
		flow, err := a.CreateFlow(cmd.Context(), args[0], args[1], approval, state)
		if err != nil {
			return err
		}
		fmt.Printf("Flow %s started on %s\n", flow.FlowID, flow.ClientID)
		return nil
	},
}

var flowListCmd = &cobra.Command{
	Use:   "list CLIENT_ID",
	Short: "List the flows of a client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListFlows")
		if err != nil {
			return err
		}
		defer a.Close()

		flows, err := a.ListFlows(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(flows) == 0 {
			fmt.Println("No flows.")
			return nil
		}
		now := a.Service().Now()
		for _, f := range flows {
			line := fmt.Sprintf("%s  %-14s  %-10s  %s  lease:%s",
				f.FlowID, f.FlowClass, flowState(f.State), f.CreateTime.Format(timeLayout),
				lease(f.LeasedBy, f.LeasedUntil, now))
			if f.PendingTermination != "" {
				line += "  " + yellow("terminating: "+f.PendingTermination)
			}
			if f.Error != "" {
				line += "  " + red(f.Error)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var flowCancelCmd = &cobra.Command{
	Use:   "cancel CLIENT_ID FLOW_ID",
	Short: "Ask a flow to terminate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		a, err := newApp(cmd, "CancelFlow")
		if err != nil {
			return err
		}
		defer a.Close()

		if reason == "" {
			reason = "cancelled by " + a.Username()
		}
		return a.CancelFlow(cmd.Context(), args[0], args[1], reason)
	},
}

// hunt command
var huntCmd = &cobra.Command{
	Use:   "hunt",
	Short: "Manage hunts",
}

var huntCreateCmd = &cobra.Command{
	Use:   "create FLOW_CLASS",
	Short: "Create a paused hunt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		rule, _ := cmd.Flags().GetString("rule")
		rate, _ := cmd.Flags().GetFloat64("rate")
		limit, _ := cmd.Flags().GetUint32("limit")
		dur, _ := cmd.Flags().GetDuration("duration")
		flowArgs, _ := cmd.Flags().GetString("args")

		a, err := newApp(cmd, "CreateHunt")
		if err != nil {
			return err
		}
		defer a.Close()

		hunt, err := a.CreateHunt(cmd.Context(), ledger.HuntArgs{
			Description: description,
			Duration:    dur,
			ClientRate:  rate,
			ClientLimit: limit,
			FlowClass:   args[0],
			FlowArgs:    []byte(flowArgs),
			ClientRule:  rule,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Hunt %s created (%s)\n", hunt.ID, huntState(hunt.State))
		return nil
	},
}

var huntStartCmd = &cobra.Command{
	Use:   "start HUNT_ID",
	Short: "Start a hunt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		approval, _ := cmd.Flags().GetString("approval")

		a, err := newApp(cmd, "StartHunt")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.StartHunt(cmd.Context(), args[0], approval)
	},
}

var huntStopCmd = &cobra.Command{
	Use:   "stop HUNT_ID",
	Short: "Stop a hunt and terminate its running flows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		a, err := newApp(cmd, "StopHunt")
		if err != nil {
			return err
		}
		defer a.Close()

		if reason == "" {
			reason = "stopped by " + a.Username()
		}
		return a.StopHunt(cmd.Context(), args[0], reason)
	},
}

var huntListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hunts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListHunts")
		if err != nil {
			return err
		}
		defer a.Close()

		hunts, err := a.ListHunts(cmd.Context())
		if err != nil {
			return err
		}
		if len(hunts) == 0 {
			fmt.Println("No hunts.")
			return nil
		}
		for _, h := range hunts {
			fmt.Printf("%s  %-10s  %-14s  %-8s  %q  %s\n",
				h.ID, huntState(h.State), h.FlowClass, h.Creator, h.ClientRule, h.Description)
		}
		return nil
	},
}

var huntStatusCmd = &cobra.Command{
	Use:   "status HUNT_ID",
	Short: "Show a hunt's flows and results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "GetHuntStatus")
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.GetHuntStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		h := st.Hunt
		fmt.Printf("Hunt:     %s\n", h.ID)
		fmt.Printf("State:    %s %s\n", huntState(h.State), faint(h.StateComment))
		fmt.Printf("Class:    %s\n", h.FlowClass)
		fmt.Printf("Rule:     %q\n", h.ClientRule)
		fmt.Printf("Rate:     %g/min  Limit: %d  Duration: %s\n", h.ClientRate, h.ClientLimit, h.Duration)
		fmt.Printf("Started:  %s\n", optionalTime(h.InitStartTime))
		states := []model.FlowState{model.FlowRunning, model.FlowFinished, model.FlowError, model.FlowCrashed, model.FlowCancelled}
		for _, s := range states {
			if n := st.Flows[s]; n > 0 {
				fmt.Printf("  %-10s %d\n", flowState(s), n)
			}
		}
		fmt.Printf("Results:  %d\n", st.Results)
		if st.Done {
			fmt.Println(green("All flows finished."))
		}
		return nil
	},
}

// approval command
var approvalCmd = &cobra.Command{
	Use:   "approval",
	Short: "Request and grant approvals",
}

var approvalRequestCmd = &cobra.Command{
	Use:   "request SUBJECT_TYPE SUBJECT_ID",
	Short: "Request access to a client, hunt or cron job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		notify, _ := cmd.Flags().GetStringSlice("notify")

		subject, err := app.ParseSubject(args[0], args[1])
		if err != nil {
			return err
		}

		a, err := newApp(cmd, "RequestApproval")
		if err != nil {
			return err
		}
		defer a.Close()

		req, err := a.RequestApproval(cmd.Context(), subject, reason, notify)
		if err != nil {
			return err
		}
		fmt.Printf("Approval %s requested, expires %s\n", req.ApprovalID, req.ExpirationTime.Format(timeLayout))
		return nil
	},
}

var approvalGrantCmd = &cobra.Command{
	Use:   "grant REQUESTOR APPROVAL_ID",
	Short: "Grant another user's approval request",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Grant")
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.Grant(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Granted %s for %s\n", args[1], args[0])
		return nil
	},
}

var approvalListCmd = &cobra.Command{
	Use:   "list SUBJECT_TYPE",
	Short: "List your approval requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListApprovals")
		if err != nil {
			return err
		}
		defer a.Close()

		reqs, err := a.ListApprovals(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(reqs) == 0 {
			fmt.Println("No approval requests.")
			return nil
		}
		now := a.Service().Now()
		for _, r := range reqs {
			fmt.Printf("%s  %s/%s  %-12s  %s\n",
				r.ApprovalID, r.Subject.Type(), r.Subject.ID(), approvalState(r, now), r.Reason)
		}
		return nil
	},
}

var approvalCheckCmd = &cobra.Command{
	Use:   "check APPROVAL_ID",
	Short: "Check whether your approval currently authorizes access",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "IsAuthorized")
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := a.IsAuthorized(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if ok {
			fmt.Println(green("authorized"))
		} else {
			fmt.Println(red("not authorized"))
		}
		return nil
	},
}

var approvalInboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Show and clear your pending notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Notifications")
		if err != nil {
			return err
		}
		defer a.Close()

		ns, err := a.Notifications(cmd.Context())
		if err != nil {
			return err
		}
		if len(ns) == 0 {
			fmt.Println("No new notifications.")
			return nil
		}
		for _, n := range ns {
			fmt.Printf("%s  %-18s  %s  %s\n", n.Timestamp.Format(timeLayout), n.Type, n.Message, faint(n.Reference))
		}
		return nil
	},
}

// cron command
var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Manage cron jobs",
}

var cronCreateCmd = &cobra.Command{
	Use:   "create JOB_ID",
	Short: "Define a periodic job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		description, _ := cmd.Flags().GetString("description")
		frequency, _ := cmd.Flags().GetDuration("frequency")
		lifetime, _ := cmd.Flags().GetDuration("lifetime")
		overruns, _ := cmd.Flags().GetBool("allow-overruns")
		disabled, _ := cmd.Flags().GetBool("disabled")
		jobArgs, _ := cmd.Flags().GetString("args")

		a, err := newApp(cmd, "CreateCronJob")
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.CreateCronJob(cmd.Context(), ledger.CronJobArgs{
			ID:            args[0],
			Description:   description,
			Frequency:     frequency,
			Lifetime:      lifetime,
			AllowOverruns: overruns,
			Disabled:      disabled,
			Args:          []byte(jobArgs),
		})
		if err != nil {
			return err
		}
		fmt.Printf("Cron job %s runs every %s\n", job.ID, job.Frequency)
		return nil
	},
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cron jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListCronJobs")
		if err != nil {
			return err
		}
		defer a.Close()

		jobs, err := a.ListCronJobs(cmd.Context())
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No cron jobs.")
			return nil
		}
		now := a.Service().Now()
		for _, j := range jobs {
			enabled := green("enabled")
			if !j.Enabled {
				enabled = faint("disabled")
			}
			forced := ""
			if j.ForcedRunRequested {
				forced = yellow(" forced")
			}
			fmt.Printf("%-24s  every %-8s  %s%s  last:%s %s  lease:%s\n",
				j.ID, j.Frequency, enabled, forced,
				optionalTime(j.LastRunTime), cronStatus(j.LastRunStatus),
				lease(j.LeasedBy, j.LeasedUntil, now))
		}
		return nil
	},
}

func cronToggleCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, "SetCronJobEnabled")
			if err != nil {
				return err
			}
			defer a.Close()

			return a.SetCronJobEnabled(cmd.Context(), args[0], enabled)
		},
	}
}

var cronForceCmd = &cobra.Command{
	Use:   "force JOB_ID",
	Short: "Run a job at the next lease round regardless of its schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ForceCronJob")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.ForceCronJob(cmd.Context(), args[0])
	},
}

var cronRunsCmd = &cobra.Command{
	Use:   "runs JOB_ID",
	Short: "Show a job's run history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		verbose, _ := cmd.Flags().GetBool("verbose")

		a, err := newApp(cmd, "CronJobRuns")
		if err != nil {
			return err
		}
		defer a.Close()

		runs, err := a.CronJobRuns(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs.")
			return nil
		}
		for _, r := range runs {
			fmt.Printf("%s  %s  %-18s  %-8s  %s\n",
				r.RunID, r.StartedAt.Format(timeLayout), cronStatus(r.Status),
				duration(r.StartedAt, r.FinishedAt), r.LogMessage)
			if verbose && r.Backtrace != "" {
				fmt.Println(faint(r.Backtrace))
			}
		}
		return nil
	},
}

func init() {
	// client subcommands
	clientCmd.AddCommand(clientRegisterCmd)
	clientCmd.AddCommand(clientListCmd)
	clientCmd.AddCommand(clientLabelCmd)
	clientLabelCmd.Flags().Bool("remove", false, "Remove the labels instead")
	clientCmd.AddCommand(clientDeleteCmd)

	// flow subcommands
	flowCmd.AddCommand(flowCreateCmd)
	flowCreateCmd.Flags().String("approval", "", "Client approval id")
	flowCreateCmd.Flags().String("args", "", "Initial flow state")
	flowCmd.AddCommand(flowListCmd)
	flowCmd.AddCommand(flowCancelCmd)
	flowCancelCmd.Flags().String("reason", "", "Termination reason")

	// hunt subcommands
	huntCmd.AddCommand(huntCreateCmd)
	huntCreateCmd.Flags().String("description", "", "Hunt description")
	huntCreateCmd.Flags().String("rule", "all", `Client rule, e.g. "label:linux;!client:C.0000000000000001"`)
	huntCreateCmd.Flags().Float64("rate", 0, "Clients assigned per minute (0 = unthrottled)")
	huntCreateCmd.Flags().Uint32("limit", 0, "Maximum number of clients (0 = unlimited)")
	huntCreateCmd.Flags().Duration("duration", 7*24*time.Hour, "How long the hunt accepts clients")
	huntCreateCmd.Flags().String("args", "", "Initial state of each hunt flow")
	huntCmd.AddCommand(huntStartCmd)
	huntStartCmd.Flags().String("approval", "", "Hunt approval id")
	huntCmd.AddCommand(huntStopCmd)
	huntStopCmd.Flags().String("reason", "", "Stop reason")
	huntCmd.AddCommand(huntListCmd)
	huntCmd.AddCommand(huntStatusCmd)

	// approval subcommands
	approvalCmd.AddCommand(approvalRequestCmd)
	approvalRequestCmd.Flags().String("reason", "", "Why access is needed")
	approvalRequestCmd.Flags().StringSlice("notify", nil, "Users asked to grant")
	approvalCmd.AddCommand(approvalGrantCmd)
	approvalCmd.AddCommand(approvalListCmd)
	approvalCmd.AddCommand(approvalCheckCmd)
	approvalCmd.AddCommand(approvalInboxCmd)

	// cron subcommands
	cronCmd.AddCommand(cronCreateCmd)
	cronCreateCmd.Flags().String("description", "", "Job description")
	cronCreateCmd.Flags().Duration("frequency", time.Hour, "Run interval")
	cronCreateCmd.Flags().Duration("lifetime", 0, "Maximum run time (0 = unbounded)")
	cronCreateCmd.Flags().Bool("allow-overruns", false, "Start a run while the previous one is still running")
	cronCreateCmd.Flags().Bool("disabled", false, "Create the job disabled")
	cronCreateCmd.Flags().String("args", "", "Job arguments")
	cronCmd.AddCommand(cronListCmd)
	cronCmd.AddCommand(cronToggleCmd("enable", "Enable a cron job", true))
	cronCmd.AddCommand(cronToggleCmd("disable", "Disable a cron job", false))
	cronCmd.AddCommand(cronForceCmd)
	cronCmd.AddCommand(cronRunsCmd)
	cronRunsCmd.Flags().BoolP("verbose", "v", false, "Show backtraces")
}

package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"voxshift/internal/clix"
	"voxshift/internal/models"
	"voxshift/internal/services"
)

var (
	jobURL         string
	jobRequester   string
	jobDeviceToken string
	jobModel       string
	listRequester  string
	jobListLimit   int
	jobListOffset  int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Create and inspect conversion jobs",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var createJobCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a conversion job from a source link",
	Long: `Creates a job the same way POST /api/video_converts does. The result
arrives through the webhook, so a server must be reachable at the public base URL.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		params, err := clix.ParseParams(cmd.Flags())
		if err != nil {
			return err
		}

		res, err := appInstance.JobService.CreateJob(cmd.Context(), services.CreateJobParams{
			SourceURL:   jobURL,
			RequesterID: jobRequester,
			DeviceToken: jobDeviceToken,
			ModelName:   jobModel,
			Params:      params,
		})
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		color.Green("Created job %s", res.JobID)
		if res.CancelHandle != "" {
			fmt.Printf("Prediction: %s\n", res.CancelHandle)
		}
		return nil
	},
}

var listJobsCmd = &cobra.Command{
	Use:   "list",
	Short: "List a requester's jobs in creation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		pagination, err := clix.ParsePagination(cmd.Flags())
		if err != nil {
			return fmt.Errorf("invalid pagination flags: %w", err)
		}

		views, err := appInstance.JobService.ListJobs(cmd.Context(), listRequester)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		page := clix.Page(views, pagination)
		if len(page) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"ID", "Status", "Title", "Model", "Created At"})
		table.SetBorder(false)
		table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, v := range page {
			table.Append([]string{
				v.ID.String(),
				statusLabel(v.Status),
				v.SourceTitle,
				v.ModelName,
				v.CreatedAt.Format("2006-01-02 15:04:05"),
			})
		}
		table.Render()
		fmt.Printf("\nDisplayed %d of %d jobs.\n", len(page), len(views))
		return nil
	},
}

var getJobCmd = &cobra.Command{
	Use:   "get <job-id>",
	Short: "Show one job, with a fresh download link when it succeeded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job ID %q: %w", args[0], err)
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		view, err := appInstance.JobService.GetJob(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		out, err := json.MarshalIndent(view, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var deleteJobCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job and its stored audio",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job ID %q: %w", args[0], err)
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if _, err := appInstance.JobService.DeleteJob(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		color.Green("Deleted job %s", id)
		return nil
	},
}

var cancelJobCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Ask the inference service to stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid job ID %q: %w", args[0], err)
		}
		appInstance, err := GetAppFromContext(cmd.Context())
		if err != nil {
			return err
		}
		if err := appInstance.JobService.CancelJob(cmd.Context(), id); err != nil {
			return fmt.Errorf("failed to cancel job: %w", err)
		}
		color.Yellow("Cancellation requested for %s; the job fails when the service confirms.", id)
		return nil
	},
}

func statusLabel(s models.JobStatus) string {
	switch s {
	case models.JobStatusSucceeded:
		return color.GreenString(string(s))
	case models.JobStatusFailed:
		return color.RedString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(createJobCmd, listJobsCmd, getJobCmd, deleteJobCmd, cancelJobCmd)

	createJobCmd.Flags().StringVar(&jobURL, "url", "", "Source video link (required)")
	createJobCmd.Flags().StringVar(&jobRequester, "requester", "", "Requester ID (required)")
	createJobCmd.Flags().StringVar(&jobDeviceToken, "device-token", "", "Push token notified when the job ends")
	createJobCmd.Flags().StringVar(&jobModel, "model", "", "Voice model name (defaults to inference.default_model)")
	createJobCmd.Flags().StringArray("param", nil, "Model parameter as key=value, repeatable")
	createJobCmd.MarkFlagRequired("url")
	createJobCmd.MarkFlagRequired("requester")

	listJobsCmd.Flags().StringVar(&listRequester, "requester", "", "Requester ID (required)")
	listJobsCmd.Flags().IntVarP(&jobListLimit, "limit", "l", 20, "Number of jobs to display")
	listJobsCmd.Flags().IntVarP(&jobListOffset, "offset", "o", 0, "Number of jobs to skip")
	listJobsCmd.MarkFlagRequired("requester")
}

package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/packmirror/packmirror/pkg/jobs"
)

var jobsServerURL string

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage mirror jobs on a running server",
	Long: `Manage mirror jobs through the HTTP API of a running packmirror server.

This command group is designed to be agent-friendly:

- stable job ids, resolvable by unique prefix
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mirror jobs",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show status for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsStopCmd = &cobra.Command{
	Use:   "stop <job_id>",
	Short: "Stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStop,
}

var jobsRetryCmd = &cobra.Command{
	Use:   "retry <job_id>",
	Short: "Retry a failed job from the beginning",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsRetry,
}

var jobsDismissCmd = &cobra.Command{
	Use:   "dismiss <job_id>",
	Short: "Dismiss a finished job from default listings",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDismiss,
}

var jobsLogsCmd = &cobra.Command{
	Use:   "logs <job_id>",
	Short: "Show logs for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsLogs,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsStopCmd)
	jobsCmd.AddCommand(jobsRetryCmd)
	jobsCmd.AddCommand(jobsDismissCmd)
	jobsCmd.AddCommand(jobsLogsCmd)

	jobsCmd.PersistentFlags().StringVar(&jobsServerURL, "server", "http://localhost:8080", "Base URL of the packmirror server")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsListCmd.Flags().String("state", "", "Filter by state (comma separated)")
	jobsListCmd.Flags().Bool("all", false, "Include dismissed jobs")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsLogsCmd.Flags().String("stream", "app", "Log stream: app or mirror")
	jobsLogsCmd.Flags().Int("tail", 200, "Show last N lines (0 = full log)")
	jobsLogsCmd.Flags().Bool("follow", false, "Follow log output")
}

// apiClient wraps the server's JSON API and turns error envelopes
// back into readable CLI failures.
type apiClient struct {
	base   string
	client *http.Client
}

func newAPIClient() *apiClient {
	return &apiClient{
		base:   strings.TrimRight(jobsServerURL, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

type apiErrorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot reach packmirror server", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var env apiErrorEnvelope
		if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
			return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

type jobListing struct {
	Active  []jobs.Record `json:"active"`
	History []jobs.Record `json:"history"`
}

func (c *apiClient) listJobs(query url.Values) (jobListing, error) {
	path := "/api/v1/jobs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var payload jobListing
	if err := c.do(http.MethodGet, path, &payload); err != nil {
		return jobListing{}, err
	}
	return payload, nil
}

// resolveJobID accepts a full job id or a unique prefix of one.
func (c *apiClient) resolveJobID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("job_id is required")
	}
	listing, err := c.listJobs(nil)
	if err != nil {
		return "", err
	}
	recs := append(listing.Active, listing.History...)
	var matches []string
	for _, r := range recs {
		if r.ID == ref {
			return r.ID, nil
		}
		if strings.HasPrefix(r.ID, ref) || r.Name() == ref {
			matches = append(matches, r.ID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no job matches %q", ref)
	default:
		return "", fmt.Errorf("job id prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	stateFilter, _ := cmd.Flags().GetString("state")
	includeAll, _ := cmd.Flags().GetBool("all")

	q := url.Values{}
	if stateFilter != "" {
		q.Set("state", stateFilter)
	}

	listing, err := newAPIClient().listJobs(q)
	if err != nil {
		return err
	}
	recs := append(listing.Active, listing.History...)
	if !includeAll {
		kept := recs[:0]
		for _, r := range recs {
			if !r.Dismissed {
				kept = append(kept, r)
			}
		}
		recs = kept
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tNAME\tCOMPONENT\tVERSION\tMODE\tSTATE\tSTARTED\tENDED")
	for _, r := range recs {
		state := string(r.State)
		if r.Dismissed {
			state += " (dismissed)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortJobID(r.ID),
			r.Name(),
			r.Spec.Component,
			r.Spec.Version,
			r.Spec.Mode,
			state,
			formatOptionalTime(r.StartedAt),
			formatOptionalTime(r.EndedAt),
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	c := newAPIClient()
	id, err := c.resolveJobID(args[0])
	if err != nil {
		return err
	}

	var rec jobs.Record
	if err := c.do(http.MethodGet, "/api/v1/jobs/"+id, &rec); err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	_, _ = fmt.Fprintf(os.Stdout, "job_id=%s\n", rec.ID)
	_, _ = fmt.Fprintf(os.Stdout, "name=%s\n", rec.Name())
	_, _ = fmt.Fprintf(os.Stdout, "component=%s\n", rec.Spec.Component)
	_, _ = fmt.Fprintf(os.Stdout, "version=%s\n", rec.Spec.Version)
	_, _ = fmt.Fprintf(os.Stdout, "mode=%s\n", rec.Spec.Mode)
	_, _ = fmt.Fprintf(os.Stdout, "state=%s\n", rec.State)
	if rec.Dismissed {
		_, _ = fmt.Fprintln(os.Stdout, "dismissed=true")
	}
	if rec.RetryCount > 0 {
		_, _ = fmt.Fprintf(os.Stdout, "retry_count=%d\n", rec.RetryCount)
	}
	if rec.Progress != nil {
		_, _ = fmt.Fprintf(os.Stdout, "blobs_copied=%d\n", rec.Progress.BlobsCopied)
		if rec.Progress.TotalImages > 0 {
			_, _ = fmt.Fprintf(os.Stdout, "total_images=%d\n", rec.Progress.TotalImages)
		}
	}
	if rec.FailureCode != "" {
		_, _ = fmt.Fprintf(os.Stdout, "failure_code=%s\n", rec.FailureCode)
		_, _ = fmt.Fprintf(os.Stdout, "failure_message=%s\n", rec.FailureMessage)
	}
	if rec.StartedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "started_at=%s\n", rec.StartedAt.UTC().Format(time.RFC3339))
	}
	if rec.EndedAt != nil {
		_, _ = fmt.Fprintf(os.Stdout, "ended_at=%s\n", rec.EndedAt.UTC().Format(time.RFC3339))
	}
	for _, ev := range rec.StageHistory {
		_, _ = fmt.Fprintf(os.Stdout, "stage %s: %s (attempt %d)\n", ev.Stage, stageOutcome(ev), ev.Attempt)
	}
	return nil
}

func stageOutcome(ev jobs.StageEvent) string {
	if ev.Outcome != "" {
		return ev.Outcome
	}
	return "running"
}

func runJobsStop(_ *cobra.Command, args []string) error {
	c := newAPIClient()
	id, err := c.resolveJobID(args[0])
	if err != nil {
		return err
	}
	var rec jobs.Record
	if err := c.do(http.MethodDelete, "/api/v1/jobs/"+id, &rec); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "stop requested for job %s\n", rec.ID)
	return nil
}

func runJobsRetry(_ *cobra.Command, args []string) error {
	c := newAPIClient()
	id, err := c.resolveJobID(args[0])
	if err != nil {
		return err
	}
	var rec jobs.Record
	if err := c.do(http.MethodPost, "/api/v1/jobs/"+id+"/retry", &rec); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "job %s requeued (retry %d)\n", rec.ID, rec.RetryCount)
	return nil
}

func runJobsDismiss(_ *cobra.Command, args []string) error {
	c := newAPIClient()
	id, err := c.resolveJobID(args[0])
	if err != nil {
		return err
	}
	var rec jobs.Record
	if err := c.do(http.MethodPatch, "/api/v1/jobs/"+id, &rec); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "job %s dismissed\n", rec.ID)
	return nil
}

func runJobsLogs(cmd *cobra.Command, args []string) error {
	stream, _ := cmd.Flags().GetString("stream")
	tail, _ := cmd.Flags().GetInt("tail")
	follow, _ := cmd.Flags().GetBool("follow")

	c := newAPIClient()
	id, err := c.resolveJobID(args[0])
	if err != nil {
		return err
	}

	if follow {
		return followJobLogs(c, id, stream)
	}

	q := url.Values{}
	q.Set("stream", stream)
	if tail > 0 {
		q.Set("lines", fmt.Sprintf("%d", tail))
	}
	text, err := c.text("/api/v1/jobs/" + id + "/logs?" + q.Encode())
	if err != nil {
		return err
	}
	_, _ = fmt.Fprint(os.Stdout, text)
	return nil
}

// text fetches a plain-text endpoint, mapping error envelopes the same
// way do does.
func (c *apiClient) text(path string) (string, error) {
	resp, err := c.client.Get(c.base + path)
	if err != nil {
		return "", exitError(foundry.ExitExternalServiceUnavailable, "Cannot reach packmirror server", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		var env apiErrorEnvelope
		if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
			return "", fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return "", fmt.Errorf("server returned %s", resp.Status)
	}
	return string(body), nil
}

// followJobLogs consumes the server-sent events stream until the
// server closes it or the process is interrupted.
func followJobLogs(c *apiClient, id, stream string) error {
	q := url.Values{}
	q.Set("stream", stream)
	// The streaming endpoint stays open indefinitely, so no client timeout.
	streamClient := &http.Client{}
	resp, err := streamClient.Get(c.base + "/api/v1/jobs/" + id + "/logs/stream?" + q.Encode())
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot reach packmirror server", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		var env apiErrorEnvelope
		if json.Unmarshal(body, &env) == nil && env.Error.Code != "" {
			return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if data, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
			_, _ = fmt.Fprintln(os.Stdout, string(data))
		}
	}
	return sc.Err()
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// Command campaignctl creates, inspects and runs campaigns from a terminal.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/acme/campaign-dispatcher/internal/app"
	"github.com/acme/campaign-dispatcher/internal/domain"
	"github.com/acme/campaign-dispatcher/internal/gateway"
	campaignsvc "github.com/acme/campaign-dispatcher/internal/service/campaign"
)

const usage = `usage: campaignctl [-config path] <command> [flags]

commands:
  create   -file list.csv -template "Hello {{nome}}" [-id id] [-image path] [-source name]
  list     [-status PENDING,PAUSED] [-limit n]
  status   -id id
  run      -id id
  session  [-start]
`

func main() {
	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, flag.Arg(0), flag.Args()[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "campaignctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, command string, args []string, out io.Writer) error {
	container, err := app.Build(ctx, configPath)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer container.Close(context.Background())

	switch command {
	case "create":
		return createCmd(ctx, container, args, out)
	case "list":
		return listCmd(ctx, container, args, out)
	case "status":
		return statusCmd(ctx, container, args, out)
	case "run":
		return runCmd(ctx, container, args, out)
	case "session":
		return sessionCmd(ctx, container, args, out)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func createCmd(ctx context.Context, c *app.Container, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	file := fs.String("file", "", "contact list (csv, comma or semicolon delimited)")
	template := fs.String("template", "", "message template")
	id := fs.String("id", "", "campaign id (generated when empty)")
	image := fs.String("image", "", "optional image to send with each message")
	source := fs.String("source", "", "source list name (defaults to the file name)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *file == "" {
		return errors.New("create: -file is required")
	}

	if err := campaignsvc.ValidateID(*id); err != nil {
		return fmt.Errorf("create: %w", err)
	}
	campaignID := strings.TrimSpace(*id)
	if campaignID == "" {
		campaignID = domain.NewCampaignID()
	}

	var imageRef string
	if *image != "" {
		staged, err := stageImage(*image, c.Config.Dispatch.ImageDir, campaignID)
		if err != nil {
			return fmt.Errorf("create: %w", err)
		}
		imageRef = staged
	}

	svc, err := c.Campaigns()
	if err != nil {
		return err
	}
	res, err := svc.CreateFromFile(ctx, campaignsvc.CreateFromFileInput{
		ID:              campaignID,
		Path:            *file,
		SourceListName:  *source,
		MessageTemplate: *template,
		ImageReference:  imageRef,
	})
	if err != nil {
		if imageRef != "" {
			_ = os.Remove(filepath.Join(c.Config.Dispatch.ImageDir, imageRef))
		}
		return err
	}

	fmt.Fprintf(out, "campaign %s created with %d contacts (%s)\n", res.Campaign.ID, res.Enqueued, res.Campaign.Status)
	if res.Load != nil {
		fmt.Fprintf(out, "rows=%d dropped=%d malformed=%d unnamed=%d delimiter=%q\n",
			res.Load.Rows, res.Load.Dropped, res.Load.Malformed, res.Load.Unnamed, res.Load.Delimiter)
	}
	if res.LoadError != nil {
		fmt.Fprintf(out, "contact list rejected: %v\n", res.LoadError)
	}
	return nil
}

// stageImage copies src into imageDir as <id><ext> and returns the name
// relative to imageDir.
func stageImage(src, imageDir, id string) (string, error) {
	if !gateway.KnownImageExtension(src) {
		return "", fmt.Errorf("image %s must be a png, jpeg, gif or webp file", src)
	}
	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("open image: %w", err)
	}
	defer in.Close()

	if imageDir == "" {
		imageDir = "."
	}
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}
	name := id + strings.ToLower(filepath.Ext(src))
	out, err := os.OpenFile(filepath.Join(imageDir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("stage image: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(out.Name())
		return "", fmt.Errorf("stage image: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("stage image: %w", err)
	}
	return name, nil
}

func listCmd(ctx context.Context, c *app.Container, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	rawStatus := fs.String("status", "", "comma separated statuses to include")
	limit := fs.Int("limit", 50, "maximum campaigns to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var statuses []domain.CampaignStatus
	for _, part := range strings.Split(*rawStatus, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		status, err := domain.ParseCampaignStatus(part)
		if err != nil {
			return err
		}
		statuses = append(statuses, status)
	}

	svc, err := c.Campaigns()
	if err != nil {
		return err
	}
	campaigns, err := svc.List(ctx, *limit, statuses...)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSOURCE\tCREATED")
	for _, cp := range campaigns {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", cp.ID, cp.Status, cp.SourceListName, cp.CreatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func statusCmd(ctx context.Context, c *app.Container, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	id := fs.String("id", "", "campaign id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := c.Campaigns()
	if err != nil {
		return err
	}
	view, err := svc.Status(ctx, *id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s total=%d pending=%d success=%d failed=%d\n",
		view.Campaign.ID, view.Campaign.Status, view.Stats.Total, view.Stats.Pending, view.Stats.Succeeded, view.Stats.Failed)
	return nil
}

// runCmd executes the campaign in this process and streams its events. An
// interrupt pauses the run after the in-flight message.
func runCmd(ctx context.Context, c *app.Container, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	id := fs.String("id", "", "campaign id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	svc, err := c.Campaigns()
	if err != nil {
		return err
	}
	campaign, err := svc.Get(ctx, *id)
	if err != nil {
		return err
	}
	if !campaign.Status.CanStart() {
		return fmt.Errorf("campaign %s cannot be started from status %s", campaign.ID, campaign.Status)
	}

	jobs, err := c.Runner()
	if err != nil {
		return err
	}
	job, err := jobs.Submit(ctx, campaign.ID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	events := job.Events()
	for events != nil {
		select {
		case <-ctx.Done():
			job.Cancel()
			ctx = context.Background()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			_ = enc.Encode(ev)
		}
	}

	res, err := job.Result()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "campaign %s finished as %s: %d sent, %d failed of %d\n",
		res.CampaignID, res.Status, res.Succeeded, res.Failed, res.Total)
	return nil
}

func sessionCmd(ctx context.Context, c *app.Container, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	start := fs.Bool("start", false, "start the gateway session and print the pairing code")
	if err := fs.Parse(args); err != nil {
		return err
	}

	session, err := c.Session()
	if err != nil {
		return err
	}
	var state *gateway.SessionState
	if *start {
		state, err = session.StartSession(ctx)
	} else {
		state, err = session.SessionStatus(ctx)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "status=%s connected=%t\n", state.Status, state.Connected())
	if state.URLCode != "" {
		fmt.Fprintf(out, "pairing code: %s\n", state.URLCode)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

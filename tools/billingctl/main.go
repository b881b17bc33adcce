package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"
	"time"

	"fieldops-cloud/internal/audit"
	"fieldops-cloud/internal/billing/application"
	billing "fieldops-cloud/internal/billing/domain"
	"fieldops-cloud/internal/billing/infrastructure/postgres"
	"fieldops-cloud/internal/billing/interfaces"
	"fieldops-cloud/internal/config"
	"fieldops-cloud/internal/eventing"
	eventingrepo "fieldops-cloud/internal/eventing/infrastructure/postgres"
	"fieldops-cloud/internal/logging"
	"fieldops-cloud/internal/observability/metrics"
	"fieldops-cloud/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const usage = `usage: billingctl <command> [flags]

commands:
  show     -session ID
  split    -session ID -move LINE_ITEM=QTY [-move ...] [-comment TEXT] [-actor NAME]
  revert   -session CHILD_ID [-actor NAME]
  apply    -plan FILE
  dispatch [-limit N]
  migrate

every command accepts -metrics to print the prometheus exposition on exit`

type env struct {
	cfg     config.Config
	logger  *logging.Logger
	db      *sql.DB
	store   *postgres.Store
	service *application.Service
	outbox  *eventingrepo.OutboxStore
	out     io.Writer
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	code := run(ctx, os.Args[1], os.Args[2:])
	stop()
	os.Exit(code)
}

func run(ctx context.Context, command string, args []string) int {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	dumpMetrics := fs.Bool("metrics", false, "print prometheus metrics on exit")

	var action func(context.Context, *env) error
	switch command {
	case "show":
		sessionID := fs.String("session", "", "session id")
		action = func(ctx context.Context, e *env) error { return e.show(ctx, *sessionID) }
	case "split":
		sessionID := fs.String("session", "", "session id")
		comment := fs.String("comment", "", "note appended to the split comment")
		actor := fs.String("actor", "", "who requested the split")
		var moves moveFlag
		fs.Var(&moves, "move", "line_item_id=quantity, repeatable")
		action = func(ctx context.Context, e *env) error {
			_, err := e.split(ctx, *sessionID, moves.moves, *comment, *actor)
			return err
		}
	case "revert":
		sessionID := fs.String("session", "", "child session id")
		actor := fs.String("actor", "", "who requested the revert")
		action = func(ctx context.Context, e *env) error { return e.revert(ctx, *sessionID, *actor) }
	case "apply":
		planPath := fs.String("plan", "", "yaml plan file")
		action = func(ctx context.Context, e *env) error { return e.apply(ctx, *planPath) }
	case "dispatch":
		limit := fs.Int("limit", 0, "max records to deliver (default from config)")
		action = func(ctx context.Context, e *env) error { return e.dispatch(ctx, *limit) }
	case "migrate":
		action = func(ctx context.Context, e *env) error {
			if err := migrations.Apply(ctx, e.db); err != nil {
				return err
			}
			fmt.Fprintln(e.out, "migrations applied")
			return nil
		}
	case "-h", "-help", "--help", "help":
		fmt.Fprintln(os.Stdout, usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n%s\n", command, usage)
		return 2
	}

	if err := fs.Parse(args); err != nil {
		return 2
	}

	e, err := openEnv(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer e.close()

	status := 0
	if err := action(ctx, e); err != nil {
		e.logger.Error("billingctl failed", "command", command, "error", err, "kind", billing.KindOf(err))
		fmt.Fprintln(os.Stderr, err)
		status = 1
	}
	if *dumpMetrics {
		if err := writeMetrics(e.out, prometheus.DefaultGatherer); err != nil {
			fmt.Fprintln(os.Stderr, err)
			status = 1
		}
	}
	return status
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.LogMode)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	metrics.Init(db, logger)
	store := postgres.NewStore(db, postgres.WithLockTimeout(cfg.LockTimeout))
	outbox := eventingrepo.NewOutboxStore(db)
	recorder := application.MultiRecorder{
		interfaces.NewOutboxRecorder(eventing.NewPublisher(outbox, cfg.TenantID), audit.NewRepository(db), cfg.TenantID),
		interfaces.NewLoggingRecorder(logger),
	}
	service, err := application.NewService(store,
		application.WithRecorder(recorder),
		application.WithLogger(logger),
		application.WithRatePlaces(cfg.SplitRatePlaces),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &env{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   store,
		service: service,
		outbox:  outbox,
		out:     os.Stdout,
	}, nil
}

func (e *env) close() {
	e.logger.Sync()
	_ = e.db.Close()
}

func (e *env) show(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("-session is required")
	}
	session, err := e.service.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	children, err := e.service.Children(ctx, sessionID)
	if err != nil {
		return err
	}
	return printSession(e.out, session, children)
}

func (e *env) split(ctx context.Context, sessionID string, moves application.Moves, comment, actor string) (application.SplitResult, error) {
	if sessionID == "" {
		return application.SplitResult{}, errors.New("-session is required")
	}
	result, err := e.service.Split(ctx, sessionID, moves, application.WithComment(comment), application.WithActor(actor))
	if err != nil {
		return result, err
	}
	if result.NoOp {
		fmt.Fprintf(e.out, "split %s: nothing to move\n", sessionID)
		return result, nil
	}
	fmt.Fprintf(e.out, "split %s -> %s: items=%d company=%s technician=%s\n",
		result.ParentID, result.ChildID, result.MovedItemCount,
		result.MovedCompanyTotal.StringFixed(2), result.MovedTechnicianTotal.StringFixed(2))
	return result, nil
}

func (e *env) revert(ctx context.Context, childID, actor string) error {
	if childID == "" {
		return errors.New("-session is required")
	}
	result, err := e.service.Revert(ctx, childID, application.WithActor(actor))
	if err != nil {
		return err
	}
	restored := make([]string, 0, len(result.RestoredItems))
	for _, item := range result.RestoredItems {
		restored = append(restored, item.WorkCode+"="+item.Quantity.String())
	}
	fmt.Fprintf(e.out, "revert %s -> %s: restored %s\n", result.DeletedChildID, result.ParentID, strings.Join(restored, ","))
	return nil
}

// apply runs plan steps in order and stops at the first failure. Steps that
// already committed stay committed.
func (e *env) apply(ctx context.Context, path string) error {
	if path == "" {
		return errors.New("-plan is required")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	p, err := parsePlan(f)
	_ = f.Close()
	if err != nil {
		return err
	}

	lastChild := ""
	for i, step := range p.Steps {
		switch step.Op {
		case opSplit:
			moves, err := step.moves()
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			result, err := e.split(ctx, step.Session, moves, step.Comment, step.Actor)
			if err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
			if result.HasChild() {
				lastChild = result.ChildID
			}
		case opRevert:
			target := step.Session
			if target == lastChildRef {
				if lastChild == "" {
					return fmt.Errorf("step %d: no child created before %s", i+1, lastChildRef)
				}
				target = lastChild
			}
			if err := e.revert(ctx, target, step.Actor); err != nil {
				return fmt.Errorf("step %d: %w", i+1, err)
			}
		}
	}
	return nil
}

func (e *env) dispatch(ctx context.Context, limit int) error {
	if limit <= 0 {
		limit = e.cfg.OutboxBatch
	}
	dispatcher := eventing.NewDispatcher(eventing.LogSink{Logger: e.logger}, e.outbox, e.logger)
	stats, err := dispatcher.Dispatch(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "dispatched sent=%d failed=%d\n", stats.Sent, stats.Failed)
	return nil
}

func printSession(w io.Writer, s *billing.Session, children []billing.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "session\t%s\tv%d\n", s.ID, s.Version)
	fmt.Fprintf(tw, "project\t%s\t%s\n", s.ProjectCode, s.ProjectName)
	fmt.Fprintf(tw, "status\t%s\t%s\n", s.OperationalStatus, s.FinanceStatus)
	fmt.Fprintf(tw, "totals\tcompany=%s\ttechnician=%s\n", s.SubtotalCompany.StringFixed(2), s.SubtotalTechnician.StringFixed(2))
	if s.IsSplitChild {
		fmt.Fprintf(tw, "split from\t%s\t%s\n", s.SplitFromID, s.SplitComment)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "ITEM\tCODE\tQTY\tUNIT PRICE\tCOMPANY\tTECHNICIAN\tALLOCATIONS")
	for _, item := range s.Items {
		allocs := make([]string, 0, len(item.Allocations))
		for _, a := range item.Allocations {
			allocs = append(allocs, a.TechnicianID+":"+a.Subtotal.StringFixed(2))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			item.ID, item.WorkCode, item.Quantity.String(), item.UnitPrice.StringFixed(2),
			item.SubtotalCompany.StringFixed(2), item.SubtotalTechnician.StringFixed(2), strings.Join(allocs, " "))
	}
	if len(children) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "CHILD\tCOMPANY\tTECHNICIAN\tCOMMENT")
		for _, child := range children {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", child.ID,
				child.SubtotalCompany.StringFixed(2), child.SubtotalTechnician.StringFixed(2), child.SplitComment)
		}
	}
	return tw.Flush()
}

func writeMetrics(w io.Writer, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

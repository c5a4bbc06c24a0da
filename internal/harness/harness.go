package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/fota/internal/assign"
	"github.com/roach88/fota/internal/blob"
	"github.com/roach88/fota/internal/catalog"
	"github.com/roach88/fota/internal/model"
	"github.com/roach88/fota/internal/reconcile"
	"github.com/roach88/fota/internal/registry"
	"github.com/roach88/fota/internal/store"
	"github.com/roach88/fota/internal/testutil"
)

// DefaultPublicURL is the base of download URLs in scenarios that do not
// set one.
const DefaultPublicURL = "http://ota.test"

// Harness executes one scenario.
type Harness struct {
	svc    *reconcile.Service
	seq    int64
	logger *slog.Logger
}

type actionFunc func(h *Harness, ctx context.Context, args map[string]string) (map[string]string, error)

var actions = map[string]actionFunc{
	"publish": (*Harness).publish,
	"report":  (*Harness).report,
	"assign":  (*Harness).assign,
	"resolve": (*Harness).resolve,
	"latest":  (*Harness).latest,
	"fetch":   (*Harness).fetch,
	"devices": (*Harness).devices,
}

// Run executes a scenario against a fresh service and returns the result.
//
// The service uses in-memory tables and a temporary firmware directory
// that is removed afterwards. Run returns an error only when the scenario
// cannot be executed at all, such as a failing setup step; expectation and
// assertion failures are reported in the Result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	blobDir, err := os.MkdirTemp("", "fota-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create firmware directory: %w", err)
	}
	defer os.RemoveAll(blobDir)

	h, err := newHarness(ctx, scenario.Config, blobDir)
	if err != nil {
		return nil, err
	}

	result := NewResult()
	for i, step := range scenario.Setup {
		outputCase, _ := h.step(ctx, step.Action, step.Args, result)
		if outputCase != CaseOK {
			return nil, fmt.Errorf("failed to execute setup: step %d (%s) returned %s", i, step.Action, outputCase)
		}
	}

	for i, step := range scenario.Flow {
		outputCase, out := h.step(ctx, step.Invoke, step.Args, result)
		if step.Expect == nil {
			continue
		}
		if outputCase != step.Expect.Case {
			result.AddError(fmt.Sprintf("flow[%d] %s: expected case %s, got %s", i, step.Invoke, step.Expect.Case, outputCase))
			continue
		}
		for _, mismatch := range diffFields(step.Expect.Result, out) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Invoke, mismatch))
		}
	}

	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, h.svc) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, cfg ScenarioConfig, blobDir string) (*Harness, error) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewStepClock(time.Time{}, time.Second)

	compare, err := model.ComparatorByName(cfg.VersionOrder)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario config: %w", err)
	}
	publicURL := cfg.PublicURL
	if publicURL == "" {
		publicURL = DefaultPublicURL
	}

	blobs, err := blob.Open(blobDir, blob.CompressionNone, logger)
	if err != nil {
		return nil, err
	}
	cat := catalog.Open(ctx, catalog.Options{
		Blobs:     blobs,
		Index:     store.NewMemoryTable(nil),
		PublicURL: publicURL,
		Compare:   compare,
		Now:       clock.Now,
		Logger:    logger,
	})

	assignOpts := []assign.Option{assign.WithClock(clock.Now), assign.WithLogger(logger)}
	if cfg.StrictAssignments {
		assignOpts = append(assignOpts, assign.WithStrictVersions(cat))
	}

	svc := reconcile.New(
		cat,
		registry.New(store.NewMemoryTable(nil), clock.Now, logger),
		assign.New(store.NewMemoryTable(nil), assignOpts...),
		logger,
	)
	return &Harness{svc: svc, logger: logger}, nil
}

// step invokes one action and appends its invocation and completion to
// the trace.
func (h *Harness) step(ctx context.Context, action string, args map[string]string, result *Result) (string, map[string]string) {
	h.seq++
	result.addInvocation(h.seq, action, args)

	fn, ok := actions[action]
	if !ok {
		h.seq++
		result.addCompletion(h.seq, action, model.CodeInternal, nil)
		return model.CodeInternal, nil
	}

	out, err := fn(h, ctx, args)
	outputCase := CaseOK
	if err != nil {
		outputCase = model.Code(err)
		out = nil
	}

	h.seq++
	result.addCompletion(h.seq, action, outputCase, out)
	h.logger.Debug("step completed", "action", action, "case", outputCase)
	return outputCase, out
}

func (h *Harness) publish(ctx context.Context, args map[string]string) (map[string]string, error) {
	file := args["file"]
	if file == "" {
		file = "firmware.bin"
	}
	img, err := h.svc.PublishFirmware(ctx, args["version"], file, []byte(args["content"]))
	if err != nil {
		return nil, err
	}
	return imageFields(img), nil
}

func (h *Harness) report(ctx context.Context, args map[string]string) (map[string]string, error) {
	rec, err := h.svc.ReportLiveness(ctx, args["device"], args["addr"], args["version"])
	if err != nil {
		return nil, err
	}
	return deviceFields(rec), nil
}

func (h *Harness) assign(ctx context.Context, args map[string]string) (map[string]string, error) {
	a, err := h.svc.Assign(ctx, args["device"], args["version"])
	if err != nil {
		return nil, err
	}
	return assignmentFields(a), nil
}

func (h *Harness) resolve(ctx context.Context, args map[string]string) (map[string]string, error) {
	d := h.svc.ResolveDesiredFirmware(ctx, args["device"])
	return map[string]string{
		"version": d.Version,
		"url":     d.URL,
		"source":  string(d.Source),
	}, nil
}

func (h *Harness) latest(ctx context.Context, _ map[string]string) (map[string]string, error) {
	v, err := h.svc.Catalog().GetLatest(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"version": v}, nil
}

func (h *Harness) fetch(ctx context.Context, args map[string]string) (map[string]string, error) {
	data, url, err := h.svc.ResolveBinary(ctx, args["version"])
	if err != nil {
		return nil, err
	}
	return map[string]string{"content": string(data), "url": url}, nil
}

func (h *Harness) devices(ctx context.Context, _ map[string]string) (map[string]string, error) {
	fleet := h.svc.Fleet(ctx)
	ids := make([]string, len(fleet))
	for i, d := range fleet {
		ids[i] = d.DeviceID
	}
	return map[string]string{
		"count": strconv.Itoa(len(fleet)),
		"order": strings.Join(ids, ","),
	}, nil
}

func deviceFields(rec model.DeviceRecord) map[string]string {
	return map[string]string{
		"device":    rec.DeviceID,
		"address":   rec.LastKnownAddress,
		"version":   rec.SelfReportedVersion,
		"last_seen": formatTime(rec.LastSeenAt),
	}
}

func assignmentFields(a model.Assignment) map[string]string {
	return map[string]string{
		"device":      a.DeviceID,
		"version":     a.Version,
		"assigned_at": formatTime(a.AssignedAt),
	}
}

func imageFields(img model.FirmwareImage) map[string]string {
	return map[string]string{
		"version":     img.Version,
		"file_name":   img.FileName,
		"size":        strconv.FormatInt(img.Size, 10),
		"compression": img.Compression,
		"uploaded_at": formatTime(img.UploadedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

package xray

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDisabledClientIsNoop(t *testing.T) {
	ft := &fakeTransport{sendErr: errors.New("must not be called")}
	cfg := DefaultConfig()
	cfg.Enabled = false
	c := NewClient(cfg, WithTransport(ft))
	defer c.Close(context.Background()) //nolint:errcheck

	runID, err := c.StartRun(context.Background(), StartRunParams{PipelineType: "search"})
	if err != nil || runID != "" {
		t.Errorf("StartRun = (%q, %v), want empty no-op", runID, err)
	}
	res, err := c.RecordStep(context.Background(), "run-1", payload("step"))
	if err != nil || res != nil {
		t.Errorf("RecordStep = (%v, %v), want nil no-op", res, err)
	}
	if err := c.CompleteRun(context.Background(), "run-1", "", nil); err != nil {
		t.Errorf("CompleteRun = %v, want nil", err)
	}
	if got := ft.attemptCount(); got != 0 {
		t.Errorf("transport was called %d times on a disabled client", got)
	}
}

func TestBufferedRecordStepNeverFailsCaller(t *testing.T) {
	ft := &fakeTransport{sendErr: errors.New("server down")}
	cfg := DefaultConfig()
	cfg.Buffered = true
	cfg.FlushInterval = time.Millisecond
	cfg.MaxRetries = 2
	c := NewClient(cfg, WithTransport(ft))

	for i := 0; i < 5; i++ {
		if _, err := c.RecordStep(context.Background(), "run-1", payload("step")); err != nil {
			t.Fatalf("buffered RecordStep returned error: %v", err)
		}
	}
	if err := c.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := c.Dropped(); got != 5 {
		t.Errorf("Dropped = %d, want 5", got)
	}
}

func TestSynchronousRecordStepReturnsResult(t *testing.T) {
	ft := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.Buffered = false
	c := NewClient(cfg, WithTransport(ft))

	res, err := c.RecordStep(context.Background(), "run-1", payload("step"))
	if err != nil {
		t.Fatalf("RecordStep: %v", err)
	}
	if res == nil || res.StepID != "step-1" {
		t.Errorf("RecordStep result = %+v, want step-1", res)
	}
}

func TestSynchronousRecordStepSurfacesErrors(t *testing.T) {
	ft := &fakeTransport{sendErr: errors.New("server down")}
	cfg := DefaultConfig()
	cfg.Buffered = false
	c := NewClient(cfg, WithTransport(ft))

	if _, err := c.RecordStep(context.Background(), "run-1", payload("step")); err == nil {
		t.Error("synchronous RecordStep should surface transport errors")
	}
}

func TestStartRunBufferedSwallowsErrors(t *testing.T) {
	ft := &fakeTransport{sendErr: errors.New("server down")}
	cfg := DefaultConfig()
	cfg.Buffered = true
	c := NewClient(cfg, WithTransport(ft))
	defer c.Close(context.Background()) //nolint:errcheck

	runID, err := c.StartRun(context.Background(), StartRunParams{PipelineType: "search"})
	if err != nil {
		t.Errorf("buffered StartRun returned error: %v", err)
	}
	if runID != "" {
		t.Errorf("runID = %q, want empty on failure", runID)
	}

	// Steps against the failed run are dropped client-side for free.
	if res, err := c.RecordStep(context.Background(), runID, payload("step")); err != nil || res != nil {
		t.Errorf("RecordStep with empty run = (%v, %v), want nil no-op", res, err)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("XRAY_API_URL", "http://capture.internal:9090")
	t.Setenv("XRAY_API_KEY", "xrk_test")
	t.Setenv("XRAY_ENABLED", "true")
	t.Setenv("XRAY_API_TIMEOUT", "5s")
	t.Setenv("XRAY_BUFFER_CAPACITY", "512")
	t.Setenv("XRAY_FLUSH_INTERVAL", "50ms")
	t.Setenv("XRAY_MAX_RETRIES", "3")
	t.Setenv("XRAY_DROP_POLICY", "drop-newest")

	cfg := FromEnv()
	if cfg.APIURL != "http://capture.internal:9090" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.APIKey != "xrk_test" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if !cfg.Enabled {
		t.Error("Enabled = false")
	}
	if cfg.APITimeout != 5*time.Second {
		t.Errorf("APITimeout = %v", cfg.APITimeout)
	}
	if cfg.BufferCapacity != 512 {
		t.Errorf("BufferCapacity = %d", cfg.BufferCapacity)
	}
	if cfg.FlushInterval != 50*time.Millisecond {
		t.Errorf("FlushInterval = %v", cfg.FlushInterval)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d", cfg.MaxRetries)
	}
	if cfg.DropPolicy != DropNewest {
		t.Errorf("DropPolicy = %q", cfg.DropPolicy)
	}
}

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"XRAY_API_URL", "XRAY_API_KEY", "XRAY_ENABLED", "XRAY_API_TIMEOUT",
		"XRAY_BUFFER_CAPACITY", "XRAY_FLUSH_INTERVAL", "XRAY_MAX_RETRIES", "XRAY_DROP_POLICY",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()
	def := DefaultConfig()
	if cfg.APIURL != def.APIURL || cfg.BufferCapacity != def.BufferCapacity ||
		cfg.MaxRetries != def.MaxRetries || cfg.DropPolicy != DropOldest {
		t.Errorf("FromEnv with empty env = %+v, want defaults %+v", cfg, def)
	}
}

func TestNormalizeSubmitTimeout(t *testing.T) {
	// A hand-built zero Config gets the documented default.
	var cfg Config
	cfg.Normalize()
	if want := DefaultConfig().SubmitTimeout; cfg.SubmitTimeout != want {
		t.Errorf("zero SubmitTimeout normalized to %v, want %v", cfg.SubmitTimeout, want)
	}

	// Negative is the opt-out: drop immediately when the queue is full.
	cfg = Config{SubmitTimeout: -1}
	cfg.Normalize()
	if cfg.SubmitTimeout != 0 {
		t.Errorf("negative SubmitTimeout normalized to %v, want 0", cfg.SubmitTimeout)
	}

	cfg = Config{SubmitTimeout: 50 * time.Millisecond}
	cfg.Normalize()
	if cfg.SubmitTimeout != 50*time.Millisecond {
		t.Errorf("explicit SubmitTimeout changed to %v", cfg.SubmitTimeout)
	}
}

package refresh_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/lorrc/studio-realtime/internal/core/domain"
	"github.com/lorrc/studio-realtime/internal/core/refresh"
	"github.com/lorrc/studio-realtime/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	testingclock "k8s.io/utils/clock/testing"
)

const quiet = refresh.DefaultQuietPeriod

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newFakeClock() *testingclock.FakeClock {
	return testingclock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
}

func counter(n *int) refresh.Handler {
	return func(context.Context) error {
		*n++
		return nil
	}
}

func TestDebouncer(t *testing.T) {
	t.Run("restarts quiet period on every trigger", func(t *testing.T) {
		clk := newFakeClock()
		var fired []string
		d := refresh.NewDebouncer(clk, quiet, func(k string) { fired = append(fired, k) })

		d.Trigger("a")
		clk.Step(200 * time.Millisecond)
		d.Trigger("a")
		clk.Step(200 * time.Millisecond)

		assert.Empty(t, fired)
		assert.True(t, d.Pending("a"))

		clk.Step(100 * time.Millisecond)

		assert.Equal(t, []string{"a"}, fired)
		assert.False(t, d.Pending("a"))
		assert.Zero(t, d.Len())
	})

	t.Run("at most one pending timer per key", func(t *testing.T) {
		clk := newFakeClock()
		d := refresh.NewDebouncer(clk, quiet, func(string) {})

		for i := 0; i < 10; i++ {
			d.Trigger("a")
		}
		d.Trigger("b")

		assert.Equal(t, 2, d.Len())
	})

	t.Run("stop cancels pending timers", func(t *testing.T) {
		clk := newFakeClock()
		fired := 0
		d := refresh.NewDebouncer(clk, quiet, func(string) { fired++ })

		d.Trigger("a")
		d.Stop()
		clk.Step(time.Second)

		assert.Zero(t, fired)
		assert.False(t, clk.HasWaiters())
	})
}

func TestRegistry_Trigger(t *testing.T) {
	t.Run("burst within quiet period invokes once", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewRegistry("shoots", clk, quiet, discardLogger())
		calls := 0
		r.Register(counter(&calls))

		for i := 0; i < 5; i++ {
			r.Trigger()
			clk.Step(50 * time.Millisecond)
		}
		assert.Zero(t, calls)

		clk.Step(quiet)

		assert.Equal(t, 1, calls)
	})

	t.Run("triggers separated by quiet period invoke twice", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewRegistry("shoots", clk, quiet, discardLogger())
		calls := 0
		r.Register(counter(&calls))

		r.Trigger()
		clk.Step(quiet + time.Millisecond)
		r.Trigger()
		clk.Step(quiet + time.Millisecond)

		assert.Equal(t, 2, calls)
	})

	t.Run("fires exactly at the end of the quiet period", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewRegistry("shoots", clk, quiet, discardLogger())
		calls := 0
		r.Register(counter(&calls))

		r.Trigger()
		clk.Step(quiet - time.Millisecond)
		assert.Zero(t, calls)
		assert.True(t, r.Pending())

		clk.Step(time.Millisecond)
		assert.Equal(t, 1, calls)
		assert.False(t, r.Pending())
	})

	t.Run("unregistered handler is not invoked", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewRegistry("invoices", clk, quiet, discardLogger())
		kept, removed := 0, 0
		r.Register(counter(&kept))
		unregister := r.Register(counter(&removed))

		r.Trigger()
		unregister()
		clk.Step(quiet)

		assert.Equal(t, 1, kept)
		assert.Zero(t, removed)
		assert.Equal(t, 1, r.Len())
	})

	t.Run("failing handlers do not block siblings", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewRegistry("shoots", clk, quiet, discardLogger())
		calls := 0
		r.Register(func(context.Context) error { return errors.New("fetch failed") })
		r.Register(func(context.Context) error { panic("unmounted") })
		r.Register(counter(&calls))

		r.Trigger()
		assert.NotPanics(t, func() { clk.Step(quiet) })

		assert.Equal(t, 1, calls)
	})

	t.Run("failures reach the debug surface", func(t *testing.T) {
		var buf bytes.Buffer
		debug := logging.Debug(logging.Config{Level: "warn", Format: "json", Output: &buf}, true)

		clk := newFakeClock()
		r := refresh.NewRegistries(clk, quiet, debug).Invoices
		r.Register(func(context.Context) error { return errors.New("fetch failed") })

		r.Trigger()
		clk.Step(quiet)

		assert.Contains(t, buf.String(), `"msg":"refresh handler failed"`)
		assert.Contains(t, buf.String(), `"registry":"invoices"`)
		assert.Contains(t, buf.String(), "fetch failed")
	})

	t.Run("handler registered during the window is invoked", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewRegistry("shoots", clk, quiet, discardLogger())
		calls := 0

		r.Trigger()
		r.Register(counter(&calls))
		clk.Step(quiet)

		assert.Equal(t, 1, calls)
	})
}

func TestKeyedRegistry_Trigger(t *testing.T) {
	t.Run("keys debounce independently", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewKeyedRegistry("shoot_details", clk, quiet, discardLogger())
		calls101, calls202 := 0, 0
		r.Register("101", counter(&calls101))
		r.Register("202", counter(&calls202))

		r.Trigger("101")
		r.Trigger("202")

		assert.True(t, r.Pending("101"))
		assert.True(t, r.Pending("202"))

		clk.Step(quiet)

		assert.Equal(t, 1, calls101)
		assert.Equal(t, 1, calls202)
	})

	t.Run("only handlers of the triggered key fire", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewKeyedRegistry("shoot_details", clk, quiet, discardLogger())
		calls101, calls202 := 0, 0
		r.Register("101", counter(&calls101))
		r.Register("202", counter(&calls202))

		r.Trigger("101")
		clk.Step(quiet)

		assert.Equal(t, 1, calls101)
		assert.Zero(t, calls202)
	})

	t.Run("retrigger of one key does not delay another", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewKeyedRegistry("shoot_details", clk, quiet, discardLogger())
		calls101, calls202 := 0, 0
		r.Register("101", counter(&calls101))
		r.Register("202", counter(&calls202))

		r.Trigger("101")
		r.Trigger("202")
		clk.Step(200 * time.Millisecond)
		r.Trigger("202")
		clk.Step(100 * time.Millisecond)

		assert.Equal(t, 1, calls101)
		assert.Zero(t, calls202)

		clk.Step(200 * time.Millisecond)
		assert.Equal(t, 1, calls202)
	})

	t.Run("numeric ids share the canonical key", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewKeyedRegistry("shoot_details", clk, quiet, discardLogger())
		calls := 0
		r.Register(domain.ParseID(float64(55)), counter(&calls))

		r.Trigger(domain.ParseID("55"))
		clk.Step(quiet)

		assert.Equal(t, 1, calls)
	})

	t.Run("key without handlers is a safe no-op", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewKeyedRegistry("shoot_details", clk, quiet, discardLogger())

		r.Trigger("999")
		assert.True(t, r.Pending("999"))

		assert.NotPanics(t, func() { clk.Step(quiet) })
		assert.False(t, r.Pending("999"))
	})

	t.Run("zero key is ignored", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewKeyedRegistry("shoot_details", clk, quiet, discardLogger())

		r.Trigger("")

		assert.False(t, clk.HasWaiters())
	})

	t.Run("unregister leaves other handlers of the key", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewKeyedRegistry("shoot_details", clk, quiet, discardLogger())
		kept, removed := 0, 0
		r.Register("101", counter(&kept))
		unregister := r.Register("101", counter(&removed))

		r.Trigger("101")
		unregister()
		clk.Step(quiet)

		assert.Equal(t, 1, kept)
		assert.Zero(t, removed)
		assert.Equal(t, 1, r.Len("101"))
	})

	t.Run("last unregister drops the key", func(t *testing.T) {
		clk := newFakeClock()
		r := refresh.NewKeyedRegistry("shoot_details", clk, quiet, discardLogger())
		unregister := r.Register("101", counter(new(int)))

		unregister()

		assert.Zero(t, r.Len("101"))
	})
}

func TestRouter_Notify(t *testing.T) {
	ctx := context.Background()

	t.Run("shoot update refreshes shoot surfaces", func(t *testing.T) {
		clk := newFakeClock()
		registries := refresh.NewRegistries(clk, quiet, discardLogger())
		router := refresh.NewRouter(registries, discardLogger())
		shoots, history, detail, invoices := 0, 0, 0, 0
		registries.Shoots.Register(counter(&shoots))
		registries.ShootHistory.Register(counter(&history))
		registries.ShootDetails.Register("55", counter(&detail))
		registries.Invoices.Register(counter(&invoices))

		for i := 0; i < 3; i++ {
			router.Notify(ctx, domain.DomainEvent{Kind: domain.EventShootUpdated, ShootID: "55"})
		}
		clk.Step(quiet)

		assert.Equal(t, 1, shoots)
		assert.Equal(t, 1, history)
		assert.Equal(t, 1, detail)
		assert.Zero(t, invoices)
	})

	t.Run("invoice paid refreshes invoices and the shoot", func(t *testing.T) {
		clk := newFakeClock()
		registries := refresh.NewRegistries(clk, quiet, discardLogger())
		router := refresh.NewRouter(registries, discardLogger())
		invoices, detail, requests := 0, 0, 0
		registries.Invoices.Register(counter(&invoices))
		registries.ShootDetails.Register("55", counter(&detail))
		registries.EditingRequests.Register(counter(&requests))

		router.Notify(ctx, domain.DomainEvent{Kind: domain.EventInvoicePaid, ShootID: "55", InvoiceID: "9"})
		clk.Step(quiet)

		assert.Equal(t, 1, invoices)
		assert.Equal(t, 1, detail)
		assert.Zero(t, requests)
	})

	t.Run("request update refreshes editing requests", func(t *testing.T) {
		clk := newFakeClock()
		registries := refresh.NewRegistries(clk, quiet, discardLogger())
		router := refresh.NewRouter(registries, discardLogger())
		requests := 0
		registries.EditingRequests.Register(counter(&requests))

		router.Notify(ctx, domain.DomainEvent{Kind: domain.EventRequestUpdated, RequestID: "4"})
		clk.Step(quiet)

		assert.Equal(t, 1, requests)
	})

	t.Run("stop cancels everything", func(t *testing.T) {
		clk := newFakeClock()
		registries := refresh.NewRegistries(clk, quiet, discardLogger())
		router := refresh.NewRouter(registries, discardLogger())

		router.Notify(ctx, domain.DomainEvent{Kind: domain.EventInvoicePaid, ShootID: "55"})
		registries.Stop()

		assert.False(t, clk.HasWaiters())
	})
}

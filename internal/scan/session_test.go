package scan

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
)

const warehouse int64 = 3

var (
	tape   = catalog.Product{ID: 1, ClientID: 5, SKU: "X", Barcode: "8991234", Name: "Tape", IsActive: true}
	phone  = catalog.Product{ID: 2, ClientID: 5, SKU: "PH-9", Name: "Phone", IsSerialized: true, IsActive: true}
	charge = catalog.Product{ID: 3, ClientID: 5, SKU: "CH", Name: "Charger", IsActive: true}
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
func newClock() *fakeClock                   { return &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)} }
func quietLogger() *slog.Logger              { return slog.New(slog.NewTextHandler(io.Discard, nil)) }
func stockOf(t *testing.T, e *inventory.Engine, productID int64) inventory.Aggregate {
	t.Helper()
	agg, err := e.Aggregate(context.Background(), warehouse, productID)
	require.NoError(t, err)
	return agg
}

type harness struct {
	clock   *fakeClock
	catalog *catalog.MemoryCatalog
	engine  *inventory.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat := catalog.NewMemoryCatalog(tape, phone, charge)
	engine := inventory.NewEngine(inventory.NewMemoryStore(), cat, nil, nil, inventory.EngineConfig{Logger: quietLogger()})
	return &harness{clock: newClock(), catalog: cat, engine: engine}
}

func (h *harness) session(t *testing.T, params Params) *Session {
	t.Helper()
	params.WarehouseID = warehouse
	s, err := NewSession(Config{Now: h.clock.Now, Logger: quietLogger()}, params,
		Resolver{Products: h.catalog, Serials: h.engine.Serials()}, h.engine)
	require.NoError(t, err)
	return s
}

func TestDuplicateScanDebounce(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, Params{Mode: ModeIntake})
	ctx := context.Background()

	_, err := s.AddScan(ctx, "X")
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	line, err := s.AddScan(ctx, "X")
	require.ErrorIs(t, err, inventory.ErrDuplicateScanIgnored)
	require.Equal(t, int64(1), line.Quantity)
	require.Len(t, s.Lines(), 1)
	require.Equal(t, int64(1), s.Lines()[0].Quantity)

	h.clock.Advance(3 * time.Second)
	line, err = s.AddScan(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, int64(2), line.Quantity)
	require.Len(t, s.Lines(), 1)
}

func TestBarcodeAndSKUShareLine(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, Params{Mode: ModeIntake})
	ctx := context.Background()

	_, err := s.AddScan(ctx, "x")
	require.NoError(t, err)
	line, err := s.AddScan(ctx, "8991234")
	require.NoError(t, err)
	require.Equal(t, int64(2), line.Quantity)
	require.Equal(t, tape.ID, line.ProductID)
}

func TestSerialIntakeAndDispatchCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	intake := h.session(t, Params{Mode: ModeIntake, DefaultProductID: phone.ID, ActorID: 11})

	for _, code := range []string{"IMEI000000001", "CH", "IMEI000000002"} {
		_, err := intake.AddScan(ctx, code)
		require.NoError(t, err)
		h.clock.Advance(100 * time.Millisecond)
	}
	h.clock.Advance(5 * time.Second)
	_, err := intake.AddScan(ctx, "IMEI000000001")
	require.ErrorIs(t, err, inventory.ErrSerialStateConflict, "serials are one per session regardless of timing")

	posting, err := intake.Commit(ctx)
	require.NoError(t, err)
	require.Len(t, posting.Entries, 3)
	require.Equal(t, phone.ID, posting.Entries[0].ProductID, "entries follow scan order")
	require.Equal(t, []string{"IMEI000000001"}, posting.Entries[0].UniqueIdentifiers)
	require.Equal(t, charge.ID, posting.Entries[1].ProductID)
	require.Equal(t, phone.ID, posting.Entries[2].ProductID)
	require.Equal(t, []string{"IMEI000000002"}, posting.Entries[2].UniqueIdentifiers)
	require.Equal(t, "scan_intake", posting.Entries[0].ReferenceType)
	require.Equal(t, posting.ReferenceID, posting.Entries[2].ReferenceID)
	require.Equal(t, int64(2), stockOf(t, h.engine, phone.ID).Quantity)

	_, err = intake.AddScan(ctx, "CH")
	require.ErrorIs(t, err, ErrSessionClosed)

	dispatch := h.session(t, Params{Mode: ModeDispatch})
	line, err := dispatch.AddScan(ctx, "IMEI000000002")
	require.NoError(t, err)
	require.Equal(t, phone.ID, line.ProductID)
	_, err = dispatch.Commit(ctx)
	require.NoError(t, err)

	item, err := h.engine.Serials().Lookup(ctx, warehouse, "IMEI000000002")
	require.NoError(t, err)
	require.Equal(t, inventory.SerialDispatched, item.State)
	require.Equal(t, int64(1), stockOf(t, h.engine, phone.ID).Quantity)
}

func TestUnresolvedLinesBlockCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, Params{Mode: ModeIntake})

	line, err := s.AddScan(ctx, "NOPE")
	require.NoError(t, err)
	require.True(t, line.NeedsProductAssignment)
	h.clock.Advance(3 * time.Second)
	line, err = s.AddScan(ctx, "nope")
	require.NoError(t, err)
	require.Equal(t, int64(2), line.Quantity)
	serialLine, err := s.AddScan(ctx, "UNKNOWN-SERIAL-1")
	require.NoError(t, err)
	require.True(t, serialLine.NeedsProductAssignment)

	_, err = s.Commit(ctx)
	require.ErrorIs(t, err, inventory.ErrUnresolvedLineItems)
	require.Zero(t, stockOf(t, h.engine, tape.ID).Quantity)

	_, err = s.AssignProduct(ctx, 0, phone.ID)
	require.ErrorIs(t, err, inventory.ErrInvalidMovement)
	_, err = s.AssignProduct(ctx, 0, tape.ID)
	require.NoError(t, err)
	_, err = s.AssignProduct(ctx, 1, phone.ID)
	require.NoError(t, err)
	require.Zero(t, s.Unresolved())

	_, err = s.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stockOf(t, h.engine, tape.ID).Quantity)
	require.Equal(t, int64(1), stockOf(t, h.engine, phone.ID).Quantity)
}

func TestCommitKeepsScanOrderAndMergesRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, Params{Mode: ModeIntake, DefaultProductID: phone.ID})

	for _, code := range []string{"IMEI000000010", "IMEI000000011", "CH", "X", "IMEI000000012"} {
		_, err := s.AddScan(ctx, code)
		require.NoError(t, err)
	}
	posting, err := s.Commit(ctx)
	require.NoError(t, err)

	var products []int64
	for _, e := range posting.Entries {
		products = append(products, e.ProductID)
	}
	require.Equal(t, []int64{phone.ID, charge.ID, tape.ID, phone.ID}, products)
	require.Equal(t, int64(2), posting.Entries[0].Quantity)
	require.Equal(t, []string{"IMEI000000010", "IMEI000000011"}, posting.Entries[0].UniqueIdentifiers)
	require.Equal(t, []string{"IMEI000000012"}, posting.Entries[3].UniqueIdentifiers)
	require.Equal(t, int64(3), stockOf(t, h.engine, phone.ID).Quantity)
}

func TestSKUOfSerializedProductRejected(t *testing.T) {
	h := newHarness(t)
	s := h.session(t, Params{Mode: ModeIntake})
	_, err := s.AddScan(context.Background(), "PH-9")
	require.ErrorIs(t, err, inventory.ErrInvalidMovement)
	require.Empty(t, s.Lines())
}

func TestFailedCommitKeepsSessionOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, Params{Mode: ModeDispatch})

	_, err := s.AddScan(ctx, "CH")
	require.NoError(t, err)
	_, err = s.Commit(ctx)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	require.Len(t, s.Lines(), 1)

	_, err = h.engine.ApplyMovement(ctx, inventory.MovementInput{WarehouseID: warehouse, ProductID: charge.ID, Type: inventory.MovementIn, Quantity: 4})
	require.NoError(t, err)
	_, err = s.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(3), stockOf(t, h.engine, charge.ID).Quantity)
}

func TestCancelHasNoEffect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, Params{Mode: ModeIntake})
	_, err := s.AddScan(ctx, "CH")
	require.NoError(t, err)
	s.Cancel()

	require.Empty(t, s.Lines())
	_, err = s.Commit(ctx)
	require.True(t, errors.Is(err, ErrSessionClosed))
	require.Zero(t, stockOf(t, h.engine, charge.ID).Quantity)
}

func TestRemoveLineAllowsRescan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s := h.session(t, Params{Mode: ModeIntake})
	_, err := s.AddScan(ctx, "CH")
	require.NoError(t, err)
	require.NoError(t, s.RemoveLine(0))
	_, err = s.AddScan(ctx, "CH")
	require.NoError(t, err)
	require.Len(t, s.Lines(), 1)
	require.Error(t, s.RemoveLine(4))
}

func TestReturnSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.engine.ApplyMovement(ctx, inventory.MovementInput{WarehouseID: warehouse, ProductID: phone.ID, Type: inventory.MovementIn, Quantity: 1, Serials: []string{"RET-00000001"}})
	require.NoError(t, err)
	_, err = h.engine.ApplyMovement(ctx, inventory.MovementInput{WarehouseID: warehouse, ProductID: phone.ID, Type: inventory.MovementOut, Quantity: 1, Serials: []string{"RET-00000001"}})
	require.NoError(t, err)

	s := h.session(t, Params{Mode: ModeReturn, Condition: inventory.ConditionDamaged})
	_, err = s.AddScan(ctx, "RET-00000001")
	require.NoError(t, err)
	_, err = s.Commit(ctx)
	require.NoError(t, err)

	item, err := h.engine.Serials().Lookup(ctx, warehouse, "RET-00000001")
	require.NoError(t, err)
	require.Equal(t, inventory.SerialDamaged, item.State)
	require.Equal(t, 1, item.ReturnCount)
	require.Equal(t, int64(1), stockOf(t, h.engine, phone.ID).DamagedQty)
}

func TestNewSessionValidatesParams(t *testing.T) {
	cat := catalog.NewMemoryCatalog()
	engine := inventory.NewEngine(inventory.NewMemoryStore(), cat, nil, nil, inventory.EngineConfig{Logger: quietLogger()})
	_, err := NewSession(Config{}, Params{Mode: "count", WarehouseID: 1}, Resolver{Products: cat}, engine)
	require.Error(t, err)
	_, err = NewSession(Config{}, Params{Mode: ModeDispatch, WarehouseID: 1}, Resolver{Products: cat}, engine)
	require.Error(t, err)
	_, err = NewSession(Config{}, Params{Mode: ModeIntake}, Resolver{Products: cat}, engine)
	require.Error(t, err)
}

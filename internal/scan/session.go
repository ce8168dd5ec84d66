// Package scan stages barcode scans into a batch that is committed to the
// ledger as one transaction.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
)

// Mode selects the movement a session commits.
type Mode string

const (
	ModeIntake   Mode = "intake"
	ModeDispatch Mode = "dispatch"
	ModeReturn   Mode = "return"
)

// ErrSessionClosed is returned once a session was committed or cancelled.
var ErrSessionClosed = errors.New("scan: session closed")

// Config tunes scan classification and debouncing.
type Config struct {
	// DebounceWindow discards an identical code scanned again within it.
	DebounceWindow time.Duration
	// SerialMinLength is the length from which a code counts as a serial.
	SerialMinLength int
	Now             func() time.Time
	Logger          *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = 2 * time.Second
	}
	if c.SerialMinLength <= 0 {
		c.SerialMinLength = 10
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Params identifies what the session is for.
type Params struct {
	Mode        Mode
	WarehouseID int64
	ClientID    int64
	ActorID     int64
	// DefaultProductID resolves intake serials when set.
	DefaultProductID int64
	Condition        inventory.Condition
	Notes            string
}

// SerialLookup finds registered serial items.
type SerialLookup interface {
	Lookup(ctx context.Context, warehouseID int64, serial string) (inventory.SerialItem, error)
}

// Resolver bundles the lookups used to classify scans. Serials may be nil
// for intake-only sessions.
type Resolver struct {
	Products catalog.Catalog
	Serials  SerialLookup
}

// Poster commits a batch; implemented by inventory.Engine.
type Poster interface {
	ApplyBatch(ctx context.Context, batch inventory.Batch) (inventory.Posting, error)
}

// LineItem is one staged row: either a single serial or a SKU with a count.
type LineItem struct {
	Code                   string    `json:"code"`
	Serial                 string    `json:"serial,omitempty"`
	ProductID              int64     `json:"product_id,omitempty"`
	ProductName            string    `json:"product_name,omitempty"`
	Quantity               int64     `json:"quantity"`
	NeedsProductAssignment bool      `json:"needs_product_assignment"`
	ScannedAt              time.Time `json:"scanned_at"`
}

// IsSerial reports whether the line tracks one serialized unit.
func (l LineItem) IsSerial() bool {
	return l.Serial != ""
}

// Session is a single-actor staging area. It is not safe for concurrent use.
type Session struct {
	cfg      Config
	params   Params
	resolver Resolver
	poster   Poster

	lines    []LineItem
	lastSeen map[string]time.Time
	closed   bool
}

// NewSession opens a scan session.
func NewSession(cfg Config, params Params, resolver Resolver, poster Poster) (*Session, error) {
	switch params.Mode {
	case ModeIntake, ModeDispatch, ModeReturn:
	default:
		return nil, fmt.Errorf("scan: unknown mode %q", params.Mode)
	}
	if params.WarehouseID <= 0 {
		return nil, errors.New("scan: warehouse required")
	}
	if resolver.Products == nil || poster == nil {
		return nil, errors.New("scan: product catalog and poster required")
	}
	if params.Mode != ModeIntake && resolver.Serials == nil {
		return nil, fmt.Errorf("scan: %s sessions need a serial lookup", params.Mode)
	}
	if params.Condition == "" {
		params.Condition = inventory.ConditionGood
	}
	return &Session{
		cfg:      cfg.withDefaults(),
		params:   params,
		resolver: resolver,
		poster:   poster,
		lastSeen: make(map[string]time.Time),
	}, nil
}

// AddScan classifies and stages one scanned code. A repeat of the same code
// inside the debounce window returns the existing line together with
// inventory.ErrDuplicateScanIgnored.
func (s *Session) AddScan(ctx context.Context, raw string) (LineItem, error) {
	if s.closed {
		return LineItem{}, ErrSessionClosed
	}
	code := strings.TrimSpace(raw)
	if code == "" {
		return LineItem{}, s.errorf(inventory.CodeInvalidMovement, 0, "", "empty scan")
	}
	now := s.cfg.Now()
	if last, ok := s.lastSeen[code]; ok && now.Sub(last) < s.cfg.DebounceWindow {
		s.cfg.Logger.Warn("duplicate scan ignored",
			slog.String("code", code),
			slog.Duration("since_last", now.Sub(last)))
		line, _ := s.lineForCode(code)
		return line, s.errorf(inventory.CodeDuplicateScanIgnored, line.ProductID, code, "scanned again within %s", s.cfg.DebounceWindow)
	}

	var (
		line LineItem
		err  error
	)
	if len(code) >= s.cfg.SerialMinLength {
		line, err = s.addSerial(ctx, code, now)
	} else {
		line, err = s.addSKU(ctx, code, now)
	}
	if err != nil {
		return LineItem{}, err
	}
	s.lastSeen[code] = now
	return line, nil
}

func (s *Session) addSerial(ctx context.Context, code string, now time.Time) (LineItem, error) {
	serial := inventory.NormalizeSerial(code)
	for _, l := range s.lines {
		if l.Serial == serial {
			return LineItem{}, s.errorf(inventory.CodeSerialStateConflict, l.ProductID, serial, "serial already scanned in this session")
		}
	}
	line := LineItem{Code: code, Serial: serial, Quantity: 1, ScannedAt: now}
	product, err := s.resolveSerialProduct(ctx, serial)
	switch {
	case errors.Is(err, errUnresolved):
		line.NeedsProductAssignment = true
	case err != nil:
		return LineItem{}, err
	default:
		if !product.IsSerialized {
			return LineItem{}, s.errorf(inventory.CodeInvalidMovement, product.ID, serial, "product %s is not serialized", product.SKU)
		}
		line.ProductID, line.ProductName = product.ID, product.Name
	}
	s.lines = append(s.lines, line)
	return line, nil
}

var errUnresolved = errors.New("scan: unresolved")

func (s *Session) resolveSerialProduct(ctx context.Context, serial string) (catalog.Product, error) {
	if s.params.Mode == ModeIntake && s.params.DefaultProductID != 0 {
		return s.getProduct(ctx, s.params.DefaultProductID)
	}
	if s.resolver.Serials == nil {
		return catalog.Product{}, errUnresolved
	}
	item, err := s.resolver.Serials.Lookup(ctx, s.params.WarehouseID, serial)
	if errors.Is(err, inventory.ErrSerialNotFound) {
		return catalog.Product{}, errUnresolved
	}
	if err != nil {
		return catalog.Product{}, fmt.Errorf("scan: lookup serial: %w", err)
	}
	return s.getProduct(ctx, item.ProductID)
}

func (s *Session) getProduct(ctx context.Context, id int64) (catalog.Product, error) {
	product, err := s.resolver.Products.Get(ctx, id)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return catalog.Product{}, errUnresolved
	}
	if err != nil {
		return catalog.Product{}, fmt.Errorf("scan: load product %d: %w", id, err)
	}
	return product, nil
}

func (s *Session) addSKU(ctx context.Context, code string, now time.Time) (LineItem, error) {
	product, err := s.resolver.Products.Lookup(ctx, code)
	if errors.Is(err, catalog.ErrProductNotFound) {
		return s.bump(func(l LineItem) bool {
			return l.NeedsProductAssignment && !l.IsSerial() && catalog.NormalizeCode(l.Code) == catalog.NormalizeCode(code)
		}, LineItem{Code: code, Quantity: 1, NeedsProductAssignment: true, ScannedAt: now}), nil
	}
	if err != nil {
		return LineItem{}, fmt.Errorf("scan: lookup %q: %w", code, err)
	}
	if product.IsSerialized {
		return LineItem{}, s.errorf(inventory.CodeInvalidMovement, product.ID, "", "product %s is serialized, scan serials instead", product.SKU)
	}
	return s.bump(func(l LineItem) bool {
		return !l.IsSerial() && l.ProductID == product.ID
	}, LineItem{Code: code, ProductID: product.ID, ProductName: product.Name, Quantity: 1, ScannedAt: now}), nil
}

// bump increments the first line matching, or appends fresh.
func (s *Session) bump(match func(LineItem) bool, fresh LineItem) LineItem {
	for i := range s.lines {
		if match(s.lines[i]) {
			s.lines[i].Quantity++
			s.lines[i].ScannedAt = fresh.ScannedAt
			return s.lines[i]
		}
	}
	s.lines = append(s.lines, fresh)
	return fresh
}

func (s *Session) lineForCode(code string) (LineItem, bool) {
	for _, l := range s.lines {
		if l.Code == code || l.Serial == code {
			return l, true
		}
	}
	return LineItem{}, false
}

// AssignProduct resolves a flagged line by hand.
func (s *Session) AssignProduct(ctx context.Context, index int, productID int64) (LineItem, error) {
	if s.closed {
		return LineItem{}, ErrSessionClosed
	}
	if index < 0 || index >= len(s.lines) {
		return LineItem{}, fmt.Errorf("scan: no line %d", index)
	}
	line := s.lines[index]
	if !line.NeedsProductAssignment {
		return LineItem{}, fmt.Errorf("scan: line %d is already resolved", index)
	}
	product, err := s.getProduct(ctx, productID)
	if errors.Is(err, errUnresolved) {
		return LineItem{}, s.errorf(inventory.CodeInvalidMovement, productID, line.Serial, "unknown product")
	}
	if err != nil {
		return LineItem{}, err
	}
	if product.IsSerialized != line.IsSerial() {
		return LineItem{}, s.errorf(inventory.CodeInvalidMovement, productID, line.Serial,
			"product %s serialized=%t does not fit this line", product.SKU, product.IsSerialized)
	}
	line.ProductID, line.ProductName, line.NeedsProductAssignment = product.ID, product.Name, false
	s.lines[index] = line
	return line, nil
}

// RemoveLine drops a staged line.
func (s *Session) RemoveLine(index int) error {
	if s.closed {
		return ErrSessionClosed
	}
	if index < 0 || index >= len(s.lines) {
		return fmt.Errorf("scan: no line %d", index)
	}
	removed := s.lines[index]
	s.lines = append(s.lines[:index], s.lines[index+1:]...)
	delete(s.lastSeen, removed.Code)
	return nil
}

// Lines returns a copy of the staged lines in scan order.
func (s *Session) Lines() []LineItem {
	out := make([]LineItem, len(s.lines))
	copy(out, s.lines)
	return out
}

// Unresolved counts lines still waiting for a product.
func (s *Session) Unresolved() int {
	n := 0
	for _, l := range s.lines {
		if l.NeedsProductAssignment {
			n++
		}
	}
	return n
}

// Commit posts every staged line as one ledger batch under a fresh reference
// id. The session closes on success and stays usable after a failure.
func (s *Session) Commit(ctx context.Context) (inventory.Posting, error) {
	if s.closed {
		return inventory.Posting{}, ErrSessionClosed
	}
	if len(s.lines) == 0 {
		return inventory.Posting{}, s.errorf(inventory.CodeInvalidMovement, 0, "", "nothing scanned")
	}
	if n := s.Unresolved(); n > 0 {
		return inventory.Posting{}, s.errorf(inventory.CodeUnresolvedLineItems, 0, "", "%d line(s) need a product", n)
	}

	batch := inventory.Batch{
		ReferenceType: "scan_" + string(s.params.Mode),
		ReferenceID:   uuid.NewString(),
		Movements:     s.movements(),
	}
	posting, err := s.poster.ApplyBatch(ctx, batch)
	if err != nil {
		return inventory.Posting{}, err
	}
	s.closed = true
	s.cfg.Logger.Info("scan session committed",
		slog.String("mode", string(s.params.Mode)),
		slog.String("reference_id", posting.ReferenceID),
		slog.Int("lines", len(s.lines)),
		slog.Int("movements", len(batch.Movements)))
	return posting, nil
}

// movements turns lines into ledger movements in the order they were
// recorded. Consecutive lines of the same product share one movement.
func (s *Session) movements() []inventory.MovementInput {
	movementType, subtype := inventory.MovementIn, inventory.SubtypeStandard
	switch s.params.Mode {
	case ModeDispatch:
		movementType = inventory.MovementOut
	case ModeReturn:
		subtype = inventory.SubtypeReturnFromClient
	}
	var out []inventory.MovementInput
	for _, l := range s.lines {
		if len(out) == 0 || out[len(out)-1].ProductID != l.ProductID {
			out = append(out, inventory.MovementInput{
				WarehouseID: s.params.WarehouseID,
				ProductID:   l.ProductID,
				Type:        movementType,
				Subtype:     subtype,
				Condition:   s.params.Condition,
				ClientID:    s.params.ClientID,
				Notes:       s.params.Notes,
				ActorID:     s.params.ActorID,
			})
		}
		last := &out[len(out)-1]
		last.Quantity += l.Quantity
		if l.IsSerial() {
			last.Serials = append(last.Serials, l.Serial)
		}
	}
	return out
}

// Cancel discards all staged state. Nothing reaches the ledger.
func (s *Session) Cancel() {
	s.lines = nil
	s.lastSeen = make(map[string]time.Time)
	s.closed = true
}

func (s *Session) errorf(code inventory.Code, productID int64, serial, format string, args ...any) error {
	return inventory.NewError(code, s.params.WarehouseID, productID, serial, format, args...)
}

package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
	"github.com/odyssey-erp/stockledger/internal/platform/db"
	"github.com/odyssey-erp/stockledger/internal/platform/locks"
)

const (
	demoClient    int64 = 1
	demoWarehouse int64 = 1
	demoActor     int64 = 1
)

type seedProduct struct {
	catalog.Product
	opening int64
	serials []string
}

var products = []seedProduct{
	{Product: catalog.Product{ClientID: demoClient, SKU: "TAPE-48", Barcode: "8991234000017", Name: "Packing tape 48mm"}, opening: 120},
	{Product: catalog.Product{ClientID: demoClient, SKU: "BOX-M", Barcode: "8991234000024", Name: "Carton box medium"}, opening: 40},
	{Product: catalog.Product{ClientID: demoClient, SKU: "CHG-USB-C", Barcode: "8991234000031", Name: "USB-C charger"}, opening: 15},
	{Product: catalog.Product{ClientID: demoClient, SKU: "PHN-A15", Name: "Handset A15", IsSerialized: true},
		serials: []string{"356789100000011", "356789100000029", "356789100000037"}},
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	fmt.Println("→ Applying migrations...")
	if err := db.Migrate(ctx, pool, logger); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Println("→ Seeding products...")
	for i := range products {
		id, err := upsertProduct(ctx, pool, products[i].Product)
		if err != nil {
			log.Fatalf("seed product %s: %v", products[i].SKU, err)
		}
		products[i].ID = id
	}

	fmt.Println("→ Posting opening stock...")
	engine := inventory.NewEngine(
		inventory.NewRepository(pool),
		catalog.NewRepository(pool),
		locks.NewKeyedMutex(),
		nil,
		inventory.EngineConfig{Logger: logger},
	)
	for _, p := range products {
		if err := postOpening(ctx, engine, p); err != nil {
			log.Fatalf("opening stock %s: %v", p.SKU, err)
		}
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func upsertProduct(ctx context.Context, pool *pgxpool.Pool, p catalog.Product) (int64, error) {
	var id int64
	err := pool.QueryRow(ctx, `
		INSERT INTO products (client_id, sku, barcode, name, is_serialized, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		ON CONFLICT (LOWER(sku)) DO UPDATE SET name = EXCLUDED.name, barcode = EXCLUDED.barcode
		RETURNING id`, p.ClientID, p.SKU, p.Barcode, p.Name, p.IsSerialized).Scan(&id)
	return id, err
}

// postOpening is keyed per product so rerunning the seed posts nothing new.
func postOpening(ctx context.Context, engine *inventory.Engine, p seedProduct) error {
	in := inventory.MovementInput{
		WarehouseID:    demoWarehouse,
		ProductID:      p.ID,
		Type:           inventory.MovementIn,
		Subtype:        inventory.SubtypeStandard,
		Quantity:       p.opening,
		ClientID:       demoClient,
		ActorID:        demoActor,
		ReferenceType:  "seed",
		ReferenceID:    "seed-opening-" + p.SKU,
		IdempotencyKey: "seed-opening-" + p.SKU,
		Notes:          "opening balance",
	}
	if p.IsSerialized {
		in.Quantity = int64(len(p.serials))
		in.Serials = p.serials
	}
	posting, err := engine.ApplyMovement(ctx, in)
	if err != nil {
		return err
	}
	if posting.Replayed {
		fmt.Printf("  %s already seeded\n", p.SKU)
		return nil
	}
	fmt.Printf("  %s +%d\n", p.SKU, in.Quantity)
	return nil
}

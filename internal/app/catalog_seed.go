package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// seedProduct — запись файла начального каталога.
type seedProduct struct {
	ID            string `json:"id"`
	SellerID      string `json:"sellerId"`
	Title         string `json:"title"`
	PriceMinor    int64  `json:"priceMinor"`
	Currency      string `json:"currency"`
	StockQuantity int32  `json:"stockQuantity"`
	// Active по умолчанию true.
	Active *bool `json:"active,omitempty"`
}

// seedCatalog загружает товары из JSON-файла в каталог и возвращает их ID.
// Каталогом владеет внешний сервис; файл нужен для локального запуска и нагрузочных тестов.
func seedCatalog(ctx context.Context, catalog domain.ProductCatalog, path string, logger *log.Entry) ([]string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}

	var products []seedProduct
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, fmt.Errorf("decode catalog seed %s: %w", path, err)
	}

	ids := make([]string, 0, len(products))
	for i, p := range products {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.SellerID) == "" || strings.TrimSpace(p.Currency) == "" {
			return ids, fmt.Errorf("catalog seed entry %d: id, sellerId and currency are required", i)
		}
		if p.PriceMinor < 0 || p.StockQuantity < 0 {
			return ids, fmt.Errorf("catalog seed entry %d (%s): price and stock must be non-negative", i, p.ID)
		}
		active := true
		if p.Active != nil {
			active = *p.Active
		}
		if err := catalog.UpsertProduct(ctx, domain.Product{
			ID:            p.ID,
			SellerID:      p.SellerID,
			Title:         p.Title,
			PriceMinor:    p.PriceMinor,
			Currency:      strings.ToUpper(p.Currency),
			StockQuantity: p.StockQuantity,
			Active:        active,
		}); err != nil {
			return ids, fmt.Errorf("upsert product %s: %w", p.ID, err)
		}
		ids = append(ids, p.ID)
	}

	logger.WithFields(log.Fields{"path": path, "products": len(products)}).Info("catalog seeded")
	return ids, nil
}

package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"checkout-engine/internal/audit"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockLedger owns per-product stock counters and their audit trail.
// Stock only goes down through DecreaseStock and only goes up through
// AdjustStock.
type StockLedger struct {
	repo   store.Repository
	audit  audit.Sink
	logger *zap.Logger
}

func NewStockLedger(repo store.Repository, sink audit.Sink) *StockLedger {
	return &StockLedger{
		repo:   repo,
		audit:  sink,
		logger: util.GetLogger(),
	}
}

// StockItem is one requested line
type StockItem struct {
	ProductID int64 `json:"product_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required"`
}

type ItemAvailability struct {
	ProductID  int64 `json:"product_id"`
	Requested  int   `json:"requested"`
	Available  int   `json:"available"`
	Found      bool  `json:"found"`
	InStock    bool  `json:"in_stock"`
	Sufficient bool  `json:"sufficient"`
}

type AvailabilityResult struct {
	Available bool               `json:"available"`
	Items     []ItemAvailability `json:"items"`
}

// Shortages lists the lines that cannot be fulfilled
func (r *AvailabilityResult) Shortages() []ItemShortage {
	var out []ItemShortage
	for _, item := range r.Items {
		if !item.Sufficient {
			out = append(out, ItemShortage{ProductID: item.ProductID, Requested: item.Requested, Available: item.Available})
		}
	}
	return out
}

type DecreaseStockRequest struct {
	Items     []StockItem
	OrderID   int64
	PaymentID string
	Provider  string
	Amount    decimal.Decimal
}

type DecreaseStockResult struct {
	AlreadyProcessed bool                   `json:"already_processed"`
	Entries          []models.StockLogEntry `json:"entries,omitempty"`
}

type AdjustStockRequest struct {
	ProductID int64  `json:"-"`
	Delta     int    `json:"delta" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
	ActorID   *int64 `json:"actor_id,omitempty"`
	OrderID   *int64 `json:"order_id,omitempty"`
}

// mergeItems sums duplicate lines and sorts by product id so that every
// writer locks product rows in the same order.
func mergeItems(items []StockItem) ([]StockItem, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items", ErrInvalidRequest)
	}
	totals := make(map[int64]int, len(items))
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d", ErrInvalidQuantity, item.ProductID)
		}
		totals[item.ProductID] += item.Quantity
	}

	merged := make([]StockItem, 0, len(totals))
	for id, qty := range totals {
		merged = append(merged, StockItem{ProductID: id, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].ProductID < merged[j].ProductID })
	return merged, nil
}

func productIDs(items []StockItem) []int64 {
	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	return ids
}

// CheckAvailability is advisory: the answer may be stale by the time the
// caller acts on it.
func (l *StockLedger) CheckAvailability(ctx context.Context, items []StockItem) (*AvailabilityResult, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.CheckAvailability")
	defer span.End()

	merged, err := mergeItems(items)
	if err != nil {
		return nil, err
	}

	records, err := l.repo.GetStockRecords(ctx, productIDs(merged))
	if err != nil {
		return nil, storeErr("get stock records", err, nil)
	}
	stock := make(map[int64]models.StockRecord, len(records))
	for _, r := range records {
		stock[r.ProductID] = r
	}

	result := &AvailabilityResult{Available: true, Items: make([]ItemAvailability, 0, len(merged))}
	for _, item := range merged {
		rec, found := stock[item.ProductID]
		ia := ItemAvailability{
			ProductID:  item.ProductID,
			Requested:  item.Quantity,
			Available:  rec.StockQuantity,
			Found:      found,
			InStock:    found && rec.InStock(),
			Sufficient: found && rec.StockQuantity >= item.Quantity,
		}
		if !ia.Sufficient {
			result.Available = false
		}
		result.Items = append(result.Items, ia)
	}
	return result, nil
}

// DecreaseStock applies the stock side effects of one confirmed payment
// exactly once. A repeated (PaymentID, Provider) is a successful no-op.
func (l *StockLedger) DecreaseStock(ctx context.Context, req DecreaseStockRequest) (result *DecreaseStockResult, err error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.DecreaseStock")
	defer func() { util.EndSpan(span, err) }()
	span.SetAttributes(
		attribute.Int64("order_id", req.OrderID),
		attribute.String("payment_id", req.PaymentID),
	)

	start := time.Now()
	err = l.repo.InTx(ctx, func(q store.Querier) error {
		var err error
		result, err = l.decreaseStockTx(ctx, q, req)
		return err
	})
	util.StockDecrementLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		l.recordDecreaseFailure(err)
		return nil, txErr("decrease stock", err)
	}

	l.auditDecrease(ctx, req, result)
	return result, nil
}

// decreaseStockTx runs inside the caller's transaction. The ProcessedPayment
// row is claimed first; a concurrent claimant waits on it and then sees the
// payment as already processed.
func (l *StockLedger) decreaseStockTx(ctx context.Context, q store.Querier, req DecreaseStockRequest) (*DecreaseStockResult, error) {
	if strings.TrimSpace(req.PaymentID) == "" || strings.TrimSpace(req.Provider) == "" {
		return nil, fmt.Errorf("%w: payment id and provider are required", ErrInvalidRequest)
	}
	merged, err := mergeItems(req.Items)
	if err != nil {
		return nil, err
	}

	claimed, err := q.InsertProcessedPayment(ctx, &models.ProcessedPayment{
		PaymentID: req.PaymentID,
		Provider:  req.Provider,
		OrderID:   req.OrderID,
		Amount:    req.Amount,
	})
	if err != nil {
		return nil, storeErr("claim processed payment", err, nil)
	}
	if !claimed {
		existing, err := q.GetProcessedPayment(ctx, req.PaymentID, req.Provider)
		if err != nil {
			return nil, storeErr("get processed payment", err, nil)
		}
		if existing.OrderID != req.OrderID {
			return nil, fmt.Errorf("%w: payment %s belongs to order %d",
				ErrPaymentOrderMismatch, req.PaymentID, existing.OrderID)
		}
		return &DecreaseStockResult{AlreadyProcessed: true}, nil
	}

	changes := make([]*models.StockChange, 0, len(merged))
	var shortages []ItemShortage
	for _, item := range merged {
		change, err := q.DecrementStock(ctx, item.ProductID, item.Quantity)
		switch {
		case errors.Is(err, store.ErrInsufficientStock), errors.Is(err, store.ErrNotFound):
			shortages = append(shortages, ItemShortage{ProductID: item.ProductID, Requested: item.Quantity})
			continue
		case err != nil:
			return nil, storeErr("decrement stock", err, nil)
		}
		changes = append(changes, change)
	}

	if len(shortages) > 0 {
		return nil, l.shortageError(ctx, q, shortages)
	}

	orderID := req.OrderID
	paymentID := req.PaymentID
	result := &DecreaseStockResult{Entries: make([]models.StockLogEntry, 0, len(changes))}
	for i, change := range changes {
		entry := models.StockLogEntry{
			ProductID:      change.ProductID,
			QuantityChange: -merged[i].Quantity,
			ReasonCode:     models.ReasonPaymentConfirmed,
			OrderID:        &orderID,
			PaymentID:      &paymentID,
			StockBefore:    change.StockBefore,
			StockAfter:     change.StockAfter,
		}
		if err := q.InsertStockLog(ctx, &entry); err != nil {
			return nil, storeErr("insert stock log", err, nil)
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

func (l *StockLedger) shortageError(ctx context.Context, q store.Querier, shortages []ItemShortage) error {
	ids := make([]int64, len(shortages))
	for i, s := range shortages {
		ids[i] = s.ProductID
	}
	if records, err := q.GetStockRecords(ctx, ids); err == nil {
		available := make(map[int64]int, len(records))
		for _, r := range records {
			available[r.ProductID] = r.StockQuantity
		}
		for i := range shortages {
			shortages[i].Available = available[shortages[i].ProductID]
		}
	}
	return &InsufficientStockError{Items: shortages}
}

func (l *StockLedger) recordDecreaseFailure(err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		util.StockDecrementsFailed.WithLabelValues("insufficient_stock").Inc()
	case errors.Is(err, ErrPaymentOrderMismatch):
		util.StockDecrementsFailed.WithLabelValues("payment_order_mismatch").Inc()
	case IsBusinessError(err):
		util.StockDecrementsFailed.WithLabelValues("invalid_request").Inc()
	default:
		util.StockDecrementsFailed.WithLabelValues("store_error").Inc()
	}
}

func (l *StockLedger) auditDecrease(ctx context.Context, req DecreaseStockRequest, result *DecreaseStockResult) {
	orderID := req.OrderID
	if result.AlreadyProcessed {
		e := audit.NewEntry(audit.ActionPaymentDuplicate)
		e.OrderID = &orderID
		e.PaymentID = req.PaymentID
		e.Provider = req.Provider
		l.audit.Record(ctx, e)
		return
	}
	for _, entry := range result.Entries {
		productID := entry.ProductID
		e := audit.NewEntry(audit.ActionStockDecreased)
		e.OrderID = &orderID
		e.ProductID = &productID
		e.PaymentID = req.PaymentID
		e.Provider = req.Provider
		e.Details = map[string]interface{}{
			"quantity_change": entry.QuantityChange,
			"stock_before":    entry.StockBefore,
			"stock_after":     entry.StockAfter,
		}
		l.audit.Record(ctx, e)
	}
}

// AdjustStock applies a manual correction. A delta that would take stock
// below zero is rejected without a log entry.
func (l *StockLedger) AdjustStock(ctx context.Context, req AdjustStockRequest) (entry *models.StockLogEntry, err error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.AdjustStock")
	defer func() { util.EndSpan(span, err) }()
	span.SetAttributes(attribute.Int64("product_id", req.ProductID), attribute.Int("delta", req.Delta))

	err = l.repo.InTx(ctx, func(q store.Querier) error {
		var err error
		entry, err = l.adjustStockTx(ctx, q, req)
		return err
	})
	if err != nil {
		return nil, txErr("adjust stock", err)
	}

	util.StockAdjustmentsTotal.WithLabelValues(req.Reason).Inc()
	l.logger.Info("Stock adjusted",
		zap.Int64("product_id", req.ProductID),
		zap.Int("delta", req.Delta),
		zap.String("reason", req.Reason),
		zap.Int("stock_after", entry.StockAfter))
	l.auditAdjust(ctx, *entry)
	return entry, nil
}

func (l *StockLedger) adjustStockTx(ctx context.Context, q store.Querier, req AdjustStockRequest) (*models.StockLogEntry, error) {
	if req.Delta == 0 {
		return nil, ErrInvalidQuantity
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, ErrInvalidReason
	}

	change, err := q.AdjustStock(ctx, req.ProductID, req.Delta)
	switch {
	case errors.Is(err, store.ErrInsufficientStock):
		available := 0
		if records, rerr := q.GetStockRecords(ctx, []int64{req.ProductID}); rerr == nil && len(records) == 1 {
			available = records[0].StockQuantity
		}
		return nil, &InsufficientStockError{Items: []ItemShortage{{
			ProductID: req.ProductID, Requested: -req.Delta, Available: available,
		}}}
	case err != nil:
		return nil, storeErr("adjust stock", err, ErrProductNotFound)
	}

	entry := &models.StockLogEntry{
		ProductID:      req.ProductID,
		QuantityChange: req.Delta,
		ReasonCode:     req.Reason,
		OrderID:        req.OrderID,
		ActorID:        req.ActorID,
		StockBefore:    change.StockBefore,
		StockAfter:     change.StockAfter,
	}
	if err := q.InsertStockLog(ctx, entry); err != nil {
		return nil, storeErr("insert stock log", err, nil)
	}
	return entry, nil
}

func (l *StockLedger) auditAdjust(ctx context.Context, entry models.StockLogEntry) {
	productID := entry.ProductID
	e := audit.NewEntry(audit.ActionStockAdjusted)
	e.ProductID = &productID
	e.ActorID = entry.ActorID
	e.OrderID = entry.OrderID
	e.Details = map[string]interface{}{
		"quantity_change": entry.QuantityChange,
		"reason":          entry.ReasonCode,
		"stock_before":    entry.StockBefore,
		"stock_after":     entry.StockAfter,
	}
	l.audit.Record(ctx, e)
}

// StockHistory returns the audit trail of one product, oldest first
func (l *StockLedger) StockHistory(ctx context.Context, productID int64) ([]models.StockLogEntry, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.StockHistory")
	defer span.End()

	if err := l.requireProduct(ctx, l.repo, productID); err != nil {
		return nil, err
	}
	entries, err := l.repo.ListStockLog(ctx, productID)
	if err != nil {
		return nil, storeErr("list stock log", err, nil)
	}
	if entries == nil {
		entries = []models.StockLogEntry{}
	}
	return entries, nil
}

func (l *StockLedger) requireProduct(ctx context.Context, q store.Querier, productID int64) error {
	records, err := q.GetStockRecords(ctx, []int64{productID})
	if err != nil {
		return storeErr("get stock records", err, nil)
	}
	if len(records) == 0 {
		return ErrProductNotFound
	}
	return nil
}

type ReconcileReport struct {
	ProductID    int64    `json:"product_id"`
	CurrentStock int      `json:"current_stock"`
	Entries      int      `json:"entries"`
	NetChange    int      `json:"net_change"`
	Consistent   bool     `json:"consistent"`
	Problems     []string `json:"problems,omitempty"`
}

// Reconcile replays a product's log and checks that every entry chains onto
// the previous one and that the last entry matches the live counter.
func (l *StockLedger) Reconcile(ctx context.Context, productID int64) (*ReconcileReport, error) {
	ctx, span := util.StartSpan(ctx, "StockLedger.Reconcile")
	defer span.End()

	var records []models.StockRecord
	var entries []models.StockLogEntry
	err := l.repo.InTx(ctx, func(q store.Querier) error {
		var err error
		if records, err = q.GetStockRecords(ctx, []int64{productID}); err != nil {
			return err
		}
		entries, err = q.ListStockLog(ctx, productID)
		return err
	})
	if err != nil {
		return nil, storeErr("reconcile", err, nil)
	}
	if len(records) == 0 {
		return nil, ErrProductNotFound
	}

	report := reconcile(records[0], entries)
	if !report.Consistent {
		l.logger.Error("Stock log does not reconcile",
			zap.Int64("product_id", productID),
			zap.Strings("problems", report.Problems))
	}
	return report, nil
}

func reconcile(rec models.StockRecord, entries []models.StockLogEntry) *ReconcileReport {
	report := &ReconcileReport{
		ProductID:    rec.ProductID,
		CurrentStock: rec.StockQuantity,
		Entries:      len(entries),
	}
	for i, e := range entries {
		report.NetChange += e.QuantityChange
		if e.StockAfter != e.StockBefore+e.QuantityChange {
			report.Problems = append(report.Problems,
				fmt.Sprintf("entry %d: %d%+d != %d", e.ID, e.StockBefore, e.QuantityChange, e.StockAfter))
		}
		if e.StockAfter < 0 {
			report.Problems = append(report.Problems, fmt.Sprintf("entry %d: negative stock %d", e.ID, e.StockAfter))
		}
		if i > 0 && e.StockBefore != entries[i-1].StockAfter {
			report.Problems = append(report.Problems,
				fmt.Sprintf("entry %d: starts at %d but previous entry ended at %d", e.ID, e.StockBefore, entries[i-1].StockAfter))
		}
	}
	if n := len(entries); n > 0 && entries[n-1].StockAfter != rec.StockQuantity {
		report.Problems = append(report.Problems,
			fmt.Sprintf("last entry ends at %d but stock is %d", entries[n-1].StockAfter, rec.StockQuantity))
	}
	report.Consistent = len(report.Problems) == 0
	return report
}

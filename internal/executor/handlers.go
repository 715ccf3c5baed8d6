package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"erppilot/internal/catalog"
	"erppilot/internal/repository"
	"erppilot/internal/types"
)

func stringParam(intent *types.Intent, key string) string {
	s, _ := intent.Parameters[key].(string)
	return strings.TrimSpace(s)
}

func numberParam(intent *types.Intent, key string) (float64, bool) {
	v, ok := intent.Parameters[key]
	if !ok {
		return 0, false
	}
	return catalog.Number(v), true
}

func (e *Executor) createSalesOrder(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	customerName := stringParam(intent, "customer")
	itemName := stringParam(intent, "item")
	qty, _ := numberParam(intent, "qty")

	if _, err := e.repo.Get(ctx, repository.KindCustomer, customerName, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return failure(types.ErrInvalidParameters, fmt.Sprintf("customer %q does not exist", customerName)), nil
		}
		return nil, err
	}

	item, err := e.repo.Get(ctx, repository.KindItem, itemName, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return failure(types.ErrInvalidParameters, fmt.Sprintf("item %q does not exist", itemName)), nil
		}
		return nil, err
	}

	rate, given := numberParam(intent, "rate")
	if !given {
		rate = catalog.Number(item.Fields["price"])
	}

	orderName := "SO-" + strings.ToUpper(uuid.NewString()[:8])
	rec := &repository.Record{
		ID:   uuid.NewString(),
		Kind: repository.KindSalesOrder,
		Name: orderName,
		Fields: map[string]interface{}{
			"customer": customerName,
			"item":     itemName,
			"qty":      qty,
			"rate":     rate,
			"amount":   qty * rate,
			"date":     time.Now().Format("2006-01-02"),
		},
	}
	if err := e.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	out := success(
		fmt.Sprintf("Created sales order %s: %g x %s for %s", orderName, qty, itemName, customerName),
		map[string]interface{}{
			"order":    orderName,
			"customer": customerName,
			"item":     itemName,
			"qty":      qty,
			"amount":   qty * rate,
		})
	out.RecordRef = orderName
	return out, nil
}

func (e *Executor) listCustomers(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	limit := 50
	if n, ok := numberParam(intent, "limit"); ok {
		limit = int(n)
	}

	records, err := e.repo.List(ctx, repository.KindCustomer, userID, limit)
	if err != nil {
		return nil, err
	}

	names := make([]interface{}, 0, len(records))
	for _, r := range records {
		names = append(names, r.Name)
	}
	return success(
		fmt.Sprintf("Found %d customer(s)", len(names)),
		map[string]interface{}{"customers": names}), nil
}

func (e *Executor) getCustomerInfo(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	name := stringParam(intent, "customer")
	rec, err := e.repo.Get(ctx, repository.KindCustomer, name, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return failure(types.ErrInvalidParameters, fmt.Sprintf("customer %q does not exist", name)), nil
		}
		return nil, err
	}

	payload := map[string]interface{}{"customer": rec.Name}
	for k, v := range rec.Fields {
		payload[k] = v
	}
	out := success(fmt.Sprintf("Customer %s", rec.Name), payload)
	out.RecordRef = rec.Name
	return out, nil
}

func (e *Executor) createCustomer(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	name := stringParam(intent, "customer")
	fields := map[string]interface{}{}
	if g := stringParam(intent, "customer_group"); g != "" {
		fields["customer_group"] = g
	}
	if t := stringParam(intent, "territory"); t != "" {
		fields["territory"] = t
	}

	rec := &repository.Record{
		ID:     uuid.NewString(),
		Kind:   repository.KindCustomer,
		Name:   name,
		Fields: fields,
	}
	if err := e.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrExists) {
			return failure(types.ErrConflict, fmt.Sprintf("customer %q already exists", name)), nil
		}
		return nil, err
	}

	out := success(fmt.Sprintf("Created customer %s", name), map[string]interface{}{"customer": name})
	out.RecordRef = name
	return out, nil
}

func (e *Executor) createItem(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	name := stringParam(intent, "item_name")
	fields := map[string]interface{}{
		"price": float64(0),
		"stock": float64(0),
	}
	if g := stringParam(intent, "item_group"); g != "" {
		fields["item_group"] = g
	}
	if u := stringParam(intent, "uom"); u != "" {
		fields["uom"] = u
	}

	rec := &repository.Record{
		ID:     uuid.NewString(),
		Kind:   repository.KindItem,
		Name:   name,
		Fields: fields,
	}
	if err := e.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrExists) {
			return failure(types.ErrConflict, fmt.Sprintf("item %q already exists", name)), nil
		}
		return nil, err
	}

	out := success(fmt.Sprintf("Created item %s", name), map[string]interface{}{"item": name})
	out.RecordRef = name
	return out, nil
}

func (e *Executor) getStockLevel(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	itemName := stringParam(intent, "item")
	warehouse := stringParam(intent, "warehouse")

	if itemName == "" {
		// No item requested: summarize stock across items.
		records, err := e.repo.List(ctx, repository.KindItem, userID, 50)
		if err != nil {
			return nil, err
		}
		levels := map[string]interface{}{}
		for _, r := range records {
			levels[r.Name] = catalog.Number(r.Fields["stock"])
		}
		return success(
			fmt.Sprintf("Stock levels for %d item(s)", len(levels)),
			map[string]interface{}{"stock": levels}), nil
	}

	rec, err := e.repo.Get(ctx, repository.KindItem, itemName, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return failure(types.ErrInvalidParameters, fmt.Sprintf("item %q does not exist", itemName)), nil
		}
		return nil, err
	}

	qty := catalog.Number(rec.Fields["stock"])
	if warehouse != "" {
		if byWh, ok := rec.Fields["stock_by_warehouse"].(map[string]interface{}); ok {
			qty = catalog.Number(byWh[warehouse])
		} else {
			qty = 0
		}
		return success(
			fmt.Sprintf("%s: %g in %s", itemName, qty, warehouse),
			map[string]interface{}{"item": itemName, "warehouse": warehouse, "qty": qty}), nil
	}

	out := success(
		fmt.Sprintf("%s: %g in stock", itemName, qty),
		map[string]interface{}{"item": itemName, "qty": qty})
	out.RecordRef = itemName
	return out, nil
}

func (e *Executor) updateItemPrice(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	itemName := stringParam(intent, "item")
	price, _ := numberParam(intent, "price")

	rec, err := e.repo.Get(ctx, repository.KindItem, itemName, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return failure(types.ErrInvalidParameters, fmt.Sprintf("item %q does not exist", itemName)), nil
		}
		return nil, err
	}

	old := catalog.Number(rec.Fields["price"])
	rec.Fields["price"] = price
	if err := e.repo.Update(ctx, rec); err != nil {
		// A concurrent writer wins; surface it, never blind-retry a write.
		return nil, err
	}

	out := success(
		fmt.Sprintf("Updated %s price: %g -> %g", itemName, old, price),
		map[string]interface{}{"item": itemName, "old_price": old, "new_price": price})
	out.RecordRef = itemName
	return out, nil
}

func (e *Executor) getSalesReport(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	period := strings.ToLower(stringParam(intent, "period"))
	if period == "" {
		period = "month"
	}
	cutoff := periodCutoff(period, time.Now())

	records, err := e.repo.List(ctx, repository.KindSalesOrder, userID, 500)
	if err != nil {
		return nil, err
	}

	var total float64
	var count int
	for _, r := range records {
		if r.CreatedAt.Before(cutoff) {
			continue
		}
		total += catalog.Number(r.Fields["amount"])
		count++
	}

	return success(
		fmt.Sprintf("Sales this %s: %d order(s) totaling %.2f", period, count, total),
		map[string]interface{}{"period": period, "orders": count, "total": total}), nil
}

func periodCutoff(period string, now time.Time) time.Time {
	switch period {
	case "today":
		return now.Truncate(24 * time.Hour)
	case "week":
		return now.AddDate(0, 0, -7)
	case "quarter":
		return now.AddDate(0, -3, 0)
	case "year":
		return now.AddDate(-1, 0, 0)
	default: // month
		return now.AddDate(0, -1, 0)
	}
}

func (e *Executor) getOutstandingInvoices(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	customer := stringParam(intent, "customer")

	records, err := e.repo.List(ctx, repository.KindInvoice, userID, 500)
	if err != nil {
		return nil, err
	}

	var invoices []interface{}
	var total float64
	for _, r := range records {
		outstanding := catalog.Number(r.Fields["outstanding"])
		if outstanding <= 0 {
			continue
		}
		if customer != "" && r.Fields["customer"] != customer {
			continue
		}
		invoices = append(invoices, map[string]interface{}{
			"invoice":     r.Name,
			"customer":    r.Fields["customer"],
			"outstanding": outstanding,
		})
		total += outstanding
	}

	msg := fmt.Sprintf("%d outstanding invoice(s) totaling %.2f", len(invoices), total)
	if customer != "" {
		msg = fmt.Sprintf("%d outstanding invoice(s) for %s totaling %.2f", len(invoices), customer, total)
	}
	return success(msg, map[string]interface{}{"invoices": invoices, "total": total}), nil
}

func (e *Executor) createWarehouse(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	name := stringParam(intent, "warehouse_name")
	rec := &repository.Record{
		ID:   uuid.NewString(),
		Kind: repository.KindWarehouse,
		Name: name,
	}
	if err := e.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrExists) {
			return failure(types.ErrConflict, fmt.Sprintf("warehouse %q already exists", name)), nil
		}
		return nil, err
	}

	out := success(fmt.Sprintf("Created warehouse %s", name), map[string]interface{}{"warehouse": name})
	out.RecordRef = name
	return out, nil
}

func (e *Executor) createUser(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	email := stringParam(intent, "email")
	firstName := stringParam(intent, "first_name")
	lastName := stringParam(intent, "last_name")

	// New accounts start read-only; an admin widens the grant afterwards.
	err := e.users.CreateUser(ctx, email, email, firstName, lastName, []types.RoleName{types.RoleReadOnly})
	if err != nil {
		if strings.Contains(err.Error(), "constraint") {
			return failure(types.ErrConflict, fmt.Sprintf("user %q already exists", email)), nil
		}
		return nil, err
	}

	out := success(
		fmt.Sprintf("Created user %s (%s)", email, firstName),
		map[string]interface{}{"user": email})
	out.RecordRef = email
	return out, nil
}

func (e *Executor) generalQuery(ctx context.Context, userID string, intent *types.Intent) (*types.Outcome, error) {
	// No record access. The pipeline decides how to answer; the executor
	// just reports what the system can do.
	query := stringParam(intent, "query")
	if query == "" {
		query = intent.RawText
	}
	return success(
		"I can create and look up customers, items, sales orders, warehouses, stock levels, sales reports, and outstanding invoices.",
		map[string]interface{}{"query": query}), nil
}

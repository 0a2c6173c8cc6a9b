package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/timrx/backend/internal/models"
)

type PricingRepo struct {
	pool *pgxpool.Pool
}

func NewPricingRepo(pool *pgxpool.Pool) *PricingRepo {
	return &PricingRepo{pool: pool}
}

func (r *PricingRepo) ListActionCosts(ctx context.Context) ([]models.ActionCost, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT action_code, cost_credits, provider, description FROM action_costs ORDER BY action_code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.ActionCost
	for rows.Next() {
		var c models.ActionCost
		if err := rows.Scan(&c.ActionCode, &c.CostCredits, &c.Provider, &c.Description); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// ListPlans returns all plans, cheapest first.
func (r *PricingRepo) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT code, name, price::text, currency, credits, active FROM plans ORDER BY price
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

func scanPlan(row pgx.Row) (*models.Plan, error) {
	var p models.Plan
	var price string
	if err := row.Scan(&p.Code, &p.Name, &price, &p.Currency, &p.Credits, &p.Active); err != nil {
		return nil, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("plan %s price %q: %w", p.Code, price, err)
	}
	p.Price = d
	return &p, nil
}

package service

import (
	"context"
	"fmt"
	"log/slog"

	"cardledger/internal/metrics"
	"cardledger/internal/model"
	"cardledger/internal/repository"

	"github.com/shopspring/decimal"
)

// DashboardData 用户资金面板
type DashboardData struct {
	TotalRecharge    decimal.Decimal `json:"total_recharge"`
	TotalConsumption decimal.Decimal `json:"total_consumption"`
	CardLocked       decimal.Decimal `json:"card_locked"`
	AvailableAmount  decimal.Decimal `json:"available_amount"`
}

// BalanceProjector 可用余额的唯一计算入口
//
//	totalRecharge    = Σ流水(target=U) − Σ流水(operator=U)
//	totalConsumption = |Σ final_amt (user=U, 成功, 非撤销授权)|
//	cardLocked       = max(0, Σ卡操作日志(活跃卡) − |Σ final_amt (活跃卡, 成功, 非撤销授权)|)
//	availableAmount  = totalRecharge − totalConsumption − cardLocked
type BalanceProjector struct {
	store   repository.Store
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewBalanceProjector(store repository.Store, m *metrics.Metrics, log *slog.Logger) *BalanceProjector {
	return &BalanceProjector{store: store, metrics: m, log: log}
}

func (p *BalanceProjector) GetDashboardData(ctx context.Context, userID int64) (*DashboardData, error) {
	if _, err := p.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return computeDashboard(ctx, p.store, userID)
}

// EnsureAvailable 可用余额不足 amount 时返回 *InsufficientBalanceError
func (p *BalanceProjector) EnsureAvailable(ctx context.Context, userID int64, amount decimal.Decimal) error {
	return p.ensureAvailable(ctx, p.store, userID, amount, "check")
}

// ensureAvailable 在调用方事务内校验，读到的是事务视图
func (p *BalanceProjector) ensureAvailable(ctx context.Context, st repository.Store, userID int64, amount decimal.Decimal, operation string) error {
	data, err := computeDashboard(ctx, st, userID)
	if err != nil {
		return err
	}
	if data.AvailableAmount.LessThan(amount) {
		p.metrics.ObserveBalanceRejection(operation)
		p.log.Warn("可用余额不足",
			"user_id", userID,
			"operation", operation,
			"required", amount.StringFixed(2),
			"available", data.AvailableAmount.StringFixed(2),
		)
		return &InsufficientBalanceError{Required: amount, Available: data.AvailableAmount}
	}
	return nil
}

func computeDashboard(ctx context.Context, st repository.Store, userID int64) (*DashboardData, error) {
	inflow, err := st.SumFlowsByTarget(ctx, userID, model.BalanceFlowTypes)
	if err != nil {
		return nil, fmt.Errorf("汇总入账流水失败: %w", err)
	}
	outflow, err := st.SumFlowsByOperator(ctx, userID, model.BalanceFlowTypes)
	if err != nil {
		return nil, fmt.Errorf("汇总出账流水失败: %w", err)
	}
	consumption, err := st.SumConsumptionByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("汇总消费失败: %w", err)
	}

	cardIDs, err := st.ListActiveCardIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("查询活跃卡失败: %w", err)
	}
	provisioned, err := st.SumOperationLogs(ctx, cardIDs)
	if err != nil {
		return nil, fmt.Errorf("汇总卡操作日志失败: %w", err)
	}
	cardConsumption, err := st.SumConsumptionByCards(ctx, cardIDs)
	if err != nil {
		return nil, fmt.Errorf("汇总卡消费失败: %w", err)
	}

	cardLocked := provisioned.Sub(cardConsumption.Abs())
	if cardLocked.IsNegative() {
		cardLocked = decimal.Zero
	}

	totalRecharge := inflow.Sub(outflow)
	totalConsumption := consumption.Abs()
	return &DashboardData{
		TotalRecharge:    totalRecharge,
		TotalConsumption: totalConsumption,
		CardLocked:       cardLocked,
		AvailableAmount:  totalRecharge.Sub(totalConsumption).Sub(cardLocked),
	}, nil
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cardledger/internal/job"
	"cardledger/internal/model"
	"cardledger/internal/repository"
	"cardledger/internal/service"
	"cardledger/pkg/response"

	"github.com/gin-gonic/gin"
)

// Scheduler 同步调度端口，生产环境为 job.SyncScheduler
type Scheduler interface {
	Trigger(ctx context.Context, name string) (service.SyncStats, error)
	SyncRange(ctx context.Context, kind string, start, end time.Time) (service.SyncStats, error)
	Status() []job.JobStatus
	Location() *time.Location
}

// Deps 处理器依赖
type Deps struct {
	Store       repository.Store
	Ledger      *service.LedgerService
	Projector   *service.BalanceProjector
	Reconciler  *service.Reconciler
	Compensator *service.Compensator
	Cards       *service.CardService
	Scheduler   Scheduler
	Log         *slog.Logger
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	store       repository.Store
	ledger      *service.LedgerService
	projector   *service.BalanceProjector
	reconciler  *service.Reconciler
	compensator *service.Compensator
	cards       *service.CardService
	scheduler   Scheduler
	log         *slog.Logger
}

// NewHandler 创建处理器实例
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:       d.Store,
		ledger:      d.Ledger,
		projector:   d.Projector,
		reconciler:  d.Reconciler,
		compensator: d.Compensator,
		cards:       d.Cards,
		scheduler:   d.Scheduler,
		log:         d.Log,
	}
}

// targetUserID 未传 user_id 时默认操作人自己
func targetUserID(c *gin.Context, actor *model.User) (int64, bool) {
	raw := c.Query("user_id")
	if raw == "" {
		return actor.ID, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

// requireSuperAdmin 调度类接口只对 SUPER_ADMIN 开放
func requireSuperAdmin(c *gin.Context) bool {
	actor := actorFrom(c)
	if actor == nil || actor.Role != model.RoleSuperAdmin {
		response.Fail(c, http.StatusForbidden, response.CodeForbidden, "无权操作", nil)
		return false
	}
	return true
}

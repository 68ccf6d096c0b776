package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"cardledger/internal/model"

	"github.com/shopspring/decimal"
)

type memoryData struct {
	nextID int64
	users  map[int64]model.User
	flows  []model.AccountFlow
	cards  map[string]model.VirtualCard
	opLogs []model.OperationLog
	txns   map[string]model.CardTransaction
	outbox []model.OutboxMessage
}

func (d *memoryData) clone() *memoryData {
	c := &memoryData{
		nextID: d.nextID,
		users:  make(map[int64]model.User, len(d.users)),
		flows:  append([]model.AccountFlow(nil), d.flows...),
		cards:  make(map[string]model.VirtualCard, len(d.cards)),
		opLogs: append([]model.OperationLog(nil), d.opLogs...),
		txns:   make(map[string]model.CardTransaction, len(d.txns)),
		outbox: append([]model.OutboxMessage(nil), d.outbox...),
	}
	for k, v := range d.users {
		c.users[k] = v
	}
	for k, v := range d.cards {
		c.cards[k] = v
	}
	for k, v := range d.txns {
		c.txns[k] = v
	}
	return c
}

type memoryState struct {
	txMu sync.Mutex // 串行化事务，相当于整库一把写锁
	mu   sync.RWMutex
	data *memoryData
}

// MemoryStore 内存版 Store，单元测试与本地调试用
//
// 事务之间串行执行，回调出错时整体回滚到事务开始前的快照。
type MemoryStore struct {
	state *memoryState
	inTx  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			data: &memoryData{
				users: make(map[int64]model.User),
				cards: make(map[string]model.VirtualCard),
				txns:  make(map[string]model.CardTransaction),
			},
		},
	}
}

func (s *MemoryStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.state.txMu.Lock()
	defer s.state.txMu.Unlock()

	s.state.mu.RLock()
	snapshot := s.state.data.clone()
	s.state.mu.RUnlock()

	if err := fn(&MemoryStore{state: s.state, inTx: true}); err != nil {
		s.state.mu.Lock()
		s.state.data = snapshot
		s.state.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) read(fn func(d *memoryData)) {
	s.state.mu.RLock()
	defer s.state.mu.RUnlock()
	fn(s.state.data)
}

func (s *MemoryStore) write(fn func(d *memoryData) error) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return fn(s.state.data)
}

func (d *memoryData) id() int64 {
	d.nextID++
	return d.nextID
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *model.User) error {
	return s.write(func(d *memoryData) error {
		if user.ID == 0 {
			user.ID = d.id()
		} else if user.ID > d.nextID {
			d.nextID = user.ID
		}
		if user.Status == "" {
			user.Status = model.UserStatusActive
		}
		now := time.Now()
		user.CreatedAt, user.UpdatedAt = now, now
		d.users[user.ID] = *user
		return nil
	})
}

func (s *MemoryStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var (
		user model.User
		ok   bool
	)
	s.read(func(d *memoryData) { user, ok = d.users[id] })
	if !ok {
		return nil, ErrUserNotFound
	}
	return &user, nil
}

func (s *MemoryStore) GetUserForUpdate(ctx context.Context, id int64) (*model.User, error) {
	return s.GetUser(ctx, id)
}

func (s *MemoryStore) UpdateUserBalance(ctx context.Context, id int64, balance decimal.Decimal) error {
	return s.write(func(d *memoryData) error {
		user, ok := d.users[id]
		if !ok {
			return ErrUserNotFound
		}
		user.Balance = balance
		user.UpdatedAt = time.Now()
		d.users[id] = user
		return nil
	})
}

func (s *MemoryStore) CreateAccountFlow(ctx context.Context, flow *model.AccountFlow) error {
	return s.write(func(d *memoryData) error {
		flow.ID = d.id()
		flow.CreatedAt = time.Now()
		d.flows = append(d.flows, *flow)
		return nil
	})
}

func (s *MemoryStore) SumFlowsByTarget(ctx context.Context, userID int64, types []string) (decimal.Decimal, error) {
	return s.sumFlows(types, func(f *model.AccountFlow) bool { return f.TargetUserID == userID }), nil
}

func (s *MemoryStore) SumFlowsByOperator(ctx context.Context, userID int64, types []string) (decimal.Decimal, error) {
	return s.sumFlows(types, func(f *model.AccountFlow) bool { return f.OperatorID == userID }), nil
}

func (s *MemoryStore) sumFlows(types []string, match func(f *model.AccountFlow) bool) decimal.Decimal {
	total := decimal.Zero
	s.read(func(d *memoryData) {
		for i := range d.flows {
			f := &d.flows[i]
			if match(f) && contains(types, f.OperationType) {
				total = total.Add(f.Amount)
			}
		}
	})
	return total
}

func (s *MemoryStore) ListFlowsByUser(ctx context.Context, userID int64, page, pageSize int) ([]*model.AccountFlow, int64, error) {
	var matched []*model.AccountFlow
	s.read(func(d *memoryData) {
		for i := len(d.flows) - 1; i >= 0; i-- {
			f := d.flows[i]
			if f.TargetUserID == userID || f.OperatorID == userID {
				matched = append(matched, &f)
			}
		}
	})
	total := int64(len(matched))
	start := (page - 1) * pageSize
	if start >= len(matched) || start < 0 {
		return []*model.AccountFlow{}, total, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) CreateCard(ctx context.Context, card *model.VirtualCard) error {
	return s.write(func(d *memoryData) error {
		if _, ok := d.cards[card.CardID]; ok {
			return ErrDuplicateTransaction
		}
		card.ID = d.id()
		now := time.Now()
		card.CreatedAt, card.UpdatedAt = now, now
		d.cards[card.CardID] = *card
		return nil
	})
}

func (s *MemoryStore) GetCardByCardID(ctx context.Context, cardID string) (*model.VirtualCard, error) {
	var (
		card model.VirtualCard
		ok   bool
	)
	s.read(func(d *memoryData) { card, ok = d.cards[cardID] })
	if !ok {
		return nil, ErrCardNotFound
	}
	return &card, nil
}

func (s *MemoryStore) GetCardForUpdate(ctx context.Context, cardID string) (*model.VirtualCard, error) {
	return s.GetCardByCardID(ctx, cardID)
}

func (s *MemoryStore) ListActiveCardIDs(ctx context.Context, userID int64) ([]string, error) {
	var ids []string
	s.read(func(d *memoryData) {
		for _, c := range d.cards {
			if c.CreatedBy == userID && c.Status != model.CardStatusReleased {
				ids = append(ids, c.CardID)
			}
		}
	})
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) UpdateCardStatus(ctx context.Context, cardID, status string) error {
	return s.updateCard(cardID, func(c *model.VirtualCard) { c.Status = status })
}

func (s *MemoryStore) SetCardBalance(ctx context.Context, cardID string, balance decimal.Decimal) error {
	return s.updateCard(cardID, func(c *model.VirtualCard) { c.Balance = balance })
}

func (s *MemoryStore) AdjustCardBalance(ctx context.Context, cardID string, delta decimal.Decimal) error {
	return s.updateCard(cardID, func(c *model.VirtualCard) { c.Balance = c.Balance.Add(delta) })
}

func (s *MemoryStore) updateCard(cardID string, fn func(c *model.VirtualCard)) error {
	return s.write(func(d *memoryData) error {
		card, ok := d.cards[cardID]
		if !ok {
			return ErrCardNotFound
		}
		fn(&card)
		card.UpdatedAt = time.Now()
		d.cards[cardID] = card
		return nil
	})
}

func (s *MemoryStore) CreateOperationLog(ctx context.Context, log *model.OperationLog) error {
	return s.write(func(d *memoryData) error {
		log.ID = d.id()
		log.CreatedAt = time.Now()
		d.opLogs = append(d.opLogs, *log)
		return nil
	})
}

func (s *MemoryStore) SumOperationLogs(ctx context.Context, cardIDs []string) (decimal.Decimal, error) {
	total := decimal.Zero
	s.read(func(d *memoryData) {
		for _, l := range d.opLogs {
			if contains(cardIDs, l.CardID) {
				total = total.Add(l.Amount)
			}
		}
	})
	return total, nil
}

func (s *MemoryStore) CreateCardTransaction(ctx context.Context, txn *model.CardTransaction) error {
	return s.write(func(d *memoryData) error {
		if _, ok := d.txns[txn.TxnID]; ok {
			return ErrDuplicateTransaction
		}
		txn.ID = d.id()
		now := time.Now()
		txn.CreatedAt, txn.UpdatedAt = now, now
		d.txns[txn.TxnID] = *txn
		return nil
	})
}

func (s *MemoryStore) GetTransactionByTxnID(ctx context.Context, txnID string) (*model.CardTransaction, error) {
	var (
		txn model.CardTransaction
		ok  bool
	)
	s.read(func(d *memoryData) { txn, ok = d.txns[txnID] })
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &txn, nil
}

func (s *MemoryStore) GetTransactionForUpdate(ctx context.Context, txnID string) (*model.CardTransaction, error) {
	return s.GetTransactionByTxnID(ctx, txnID)
}

func (s *MemoryStore) TransactionExists(ctx context.Context, txnID string) (bool, error) {
	found := false
	s.read(func(d *memoryData) {
		if _, ok := d.txns[txnID]; ok {
			found = true
			return
		}
		for _, t := range d.txns {
			if t.SettleTxnID == txnID {
				found = true
				return
			}
		}
	})
	return found, nil
}

func (s *MemoryStore) FindSettlementByAuthTxnID(ctx context.Context, authTxnID string) (*model.CardTransaction, error) {
	var (
		found model.CardTransaction
		ok    bool
	)
	s.read(func(d *memoryData) {
		for _, t := range d.txns {
			if t.AuthTxnID != authTxnID || t.TxnType != model.TxnTypeSettlement || !t.IsSettled {
				continue
			}
			if !ok || t.ID < found.ID {
				found, ok = t, true
			}
		}
	})
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return &found, nil
}

func (s *MemoryStore) SaveCardTransaction(ctx context.Context, txn *model.CardTransaction) error {
	return s.write(func(d *memoryData) error {
		if _, ok := d.txns[txn.TxnID]; !ok {
			return ErrTransactionNotFound
		}
		txn.UpdatedAt = time.Now()
		d.txns[txn.TxnID] = *txn
		return nil
	})
}

func (s *MemoryStore) UpdateWithdrawalStatus(ctx context.Context, txnID, status string) error {
	return s.write(func(d *memoryData) error {
		txn, ok := d.txns[txnID]
		if !ok {
			return ErrTransactionNotFound
		}
		txn.WithdrawalStatus = status
		txn.UpdatedAt = time.Now()
		d.txns[txnID] = txn
		return nil
	})
}

func (s *MemoryStore) ListStaleWithdrawals(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]*model.CardTransaction, error) {
	var txns []*model.CardTransaction
	s.read(func(d *memoryData) {
		for _, t := range d.txns {
			if t.WithdrawalStatus == status && t.UpdatedAt.Before(updatedBefore) {
				t := t
				txns = append(txns, &t)
			}
		}
	})
	sort.Slice(txns, func(i, j int) bool { return txns[i].UpdatedAt.Before(txns[j].UpdatedAt) })
	if limit > 0 && len(txns) > limit {
		txns = txns[:limit]
	}
	return txns, nil
}

func (s *MemoryStore) SumConsumptionByUser(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.sumConsumption(func(t *model.CardTransaction) bool { return t.UserID == userID }), nil
}

func (s *MemoryStore) SumConsumptionByCards(ctx context.Context, cardIDs []string) (decimal.Decimal, error) {
	return s.sumConsumption(func(t *model.CardTransaction) bool { return contains(cardIDs, t.CardID) }), nil
}

func (s *MemoryStore) sumConsumption(match func(t *model.CardTransaction) bool) decimal.Decimal {
	total := decimal.Zero
	s.read(func(d *memoryData) {
		for _, t := range d.txns {
			if t.CountsAsConsumption() && match(&t) {
				total = total.Add(t.FinalAmt)
			}
		}
	})
	return total
}

func (s *MemoryStore) CreateOutbox(ctx context.Context, msg *model.OutboxMessage) error {
	return s.write(func(d *memoryData) error {
		msg.ID = d.id()
		if msg.Status == "" {
			msg.Status = model.OutboxStatusPending
		}
		now := time.Now()
		msg.CreatedAt, msg.UpdatedAt = now, now
		d.outbox = append(d.outbox, *msg)
		return nil
	})
}

func (s *MemoryStore) GetPendingMessages(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	s.read(func(d *memoryData) {
		for _, m := range d.outbox {
			if m.Status != model.OutboxStatusPending {
				continue
			}
			m := m
			messages = append(messages, &m)
			if limit > 0 && len(messages) == limit {
				return
			}
		}
	})
	return messages, nil
}

func (s *MemoryStore) UpdateOutboxStatus(ctx context.Context, id int64, status string) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) {
		m.Status = status
		if status == model.OutboxStatusSent {
			now := time.Now()
			m.SentAt = &now
		}
	})
}

func (s *MemoryStore) IncrementOutboxRetry(ctx context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) { m.RetryCount++ })
}

func (s *MemoryStore) MarkOutboxFailed(ctx context.Context, id int64) error {
	return s.updateOutbox(id, func(m *model.OutboxMessage) {
		m.Status = model.OutboxStatusFailed
		m.RetryCount++
	})
}

func (s *MemoryStore) updateOutbox(id int64, fn func(m *model.OutboxMessage)) error {
	return s.write(func(d *memoryData) error {
		for i := range d.outbox {
			if d.outbox[i].ID == id {
				fn(&d.outbox[i])
				d.outbox[i].UpdatedAt = time.Now()
				return nil
			}
		}
		return nil
	})
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

var _ Store = (*MemoryStore)(nil)

package repo

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trackshield/internal/logger"
	"trackshield/internal/storage/model"
	"trackshield/pkg/domain"
)

// DefaultEventCap 事件表默认容量
const DefaultEventCap = 500

// EventRepoOptions 事件仓库选项
type EventRepoOptions struct {
	Cap           int           // 保留的最大事件数，超出后删除最旧的
	BatchSize     int           // 缓冲达到该数量时立即写入
	FlushInterval time.Duration // 定时写入间隔
	Logger        logger.Logger
}

// EventRepo 事件仓库。Record 只进入内存缓冲，由后台协程批量写入，
// 每次写入后按容量裁剪最旧的记录
type EventRepo struct {
	BaseRepository[model.EventRecord]
	opts     EventRepoOptions
	log      logger.Logger
	buffer   []model.EventRecord
	bufferMu sync.Mutex
	writeMu  sync.Mutex
	flushCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEventRepo 创建事件仓库并启动异步写入协程
func NewEventRepo(db *gorm.DB, opts EventRepoOptions) *EventRepo {
	if opts.Cap <= 0 {
		opts.Cap = DefaultEventCap
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewNop()
	}
	r := &EventRepo{
		BaseRepository: *NewBaseRepository[model.EventRecord](db),
		opts:           opts,
		log:            opts.Logger.With("component", "events"),
		buffer:         make([]model.EventRecord, 0, opts.BatchSize),
		flushCh:        make(chan struct{}, 1),
		stopCh:         make(chan struct{}),
	}
	r.wg.Add(1)
	go r.asyncWriter()
	return r
}

// asyncWriter 异步批量写入协程
func (r *EventRepo) asyncWriter() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			// 停止前刷新剩余数据
			r.flushLogged()
			return
		case <-ticker.C:
			r.flushLogged()
		case <-r.flushCh:
			r.flushLogged()
		}
	}
}

func (r *EventRepo) flushLogged() {
	if err := r.Flush(context.Background()); err != nil {
		r.log.Err(err, "事件写入失败")
	}
}

// Record 追加事件到缓冲区
func (r *EventRepo) Record(evt domain.MitigationEvent) {
	rec := toRecord(evt)

	r.bufferMu.Lock()
	r.buffer = append(r.buffer, rec)
	needFlush := len(r.buffer) >= r.opts.BatchSize
	r.bufferMu.Unlock()

	if needFlush {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Flush 立即写入缓冲区并按容量裁剪
func (r *EventRepo) Flush(ctx context.Context) error {
	r.bufferMu.Lock()
	toWrite := r.buffer
	r.buffer = make([]model.EventRecord, 0, r.opts.BatchSize)
	r.bufferMu.Unlock()

	if len(toWrite) == 0 {
		return nil
	}
	return r.write(ctx, toWrite)
}

// Append 同步写入事件并裁剪
func (r *EventRepo) Append(ctx context.Context, evts ...domain.MitigationEvent) error {
	recs := make([]model.EventRecord, 0, len(evts))
	for _, e := range evts {
		recs = append(recs, toRecord(e))
	}
	return r.write(ctx, recs)
}

func (r *EventRepo) write(ctx context.Context, recs []model.EventRecord) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	return r.Db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 事件 ID 容忍碰撞，重复的直接丢弃
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(recs, 100).Error; err != nil {
			return err
		}
		keep := tx.Model(&model.EventRecord{}).Select("id").Order("id DESC").Limit(r.opts.Cap)
		return tx.Where("id NOT IN (?)", keep).Delete(&model.EventRecord{}).Error
	})
}

// Stop 停止异步写入，停止前写入剩余事件
func (r *EventRepo) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// QueryOptions 事件筛选条件
type QueryOptions struct {
	Site  string
	Kind  string
	Since int64
	Limit int
}

// Query 按条件查询事件，按追加顺序排列
func (r *EventRepo) Query(ctx context.Context, opts QueryOptions) ([]domain.MitigationEvent, error) {
	filter := FilterFunc(func(db *gorm.DB) *gorm.DB {
		if opts.Site != "" {
			db = db.Where("site = ?", opts.Site)
		}
		if opts.Kind != "" {
			db = db.Where("kind = ?", opts.Kind)
		}
		if opts.Since > 0 {
			db = db.Where("ts >= ?", opts.Since)
		}
		return db
	})
	var p *Pagination
	if opts.Limit > 0 {
		p = &Pagination{Page: 1, Limit: opts.Limit}
	}
	recs, err := r.FindAll(ctx, filter, p, Orders{{Field: "id", Sort: "DESC"}})
	if err != nil {
		return nil, err
	}
	out := make([]domain.MitigationEvent, len(recs))
	for i, rec := range recs {
		out[len(recs)-1-i] = fromRecord(rec)
	}
	return out, nil
}

// ClearAll 清空所有事件
func (r *EventRepo) ClearAll(ctx context.Context) error {
	_, err := r.Delete(ctx, nil)
	return err
}

func toRecord(e domain.MitigationEvent) model.EventRecord {
	data := string(e.Data)
	if data == "" {
		data = "{}"
	}
	return model.EventRecord{
		EventID:     e.ID,
		TS:          e.TS,
		Site:        e.Site,
		TopLevelURL: e.TopLevelURL,
		TabID:       e.TabID,
		Mode:        string(e.Mode),
		Source:      e.Source,
		Kind:        string(e.Kind),
		Data:        data,
		CreatedAt:   time.Now(),
	}
}

func fromRecord(rec *model.EventRecord) domain.MitigationEvent {
	return domain.MitigationEvent{
		ID:          rec.EventID,
		TS:          rec.TS,
		Site:        rec.Site,
		TopLevelURL: rec.TopLevelURL,
		TabID:       rec.TabID,
		Mode:        domain.PrivacyMode(rec.Mode),
		Source:      rec.Source,
		Kind:        domain.EventKind(rec.Kind),
		Data:        json.RawMessage(rec.Data),
	}
}

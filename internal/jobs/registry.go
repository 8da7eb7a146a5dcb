package jobs

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLogCapacity はジョブごとに保持するログ行数の既定値です。
const DefaultLogCapacity = 20

// Registry はジョブ状態をメモリ上に保持します。
// 種別ごとに名前空間を分け、レコード単位のロックで更新を直列化します。
type Registry struct {
	mu         sync.RWMutex
	namespaces map[Kind]map[string]*entry
	seq        uint64

	logCap int
	now    func() time.Time
	newID  func() string
	logger *log.Logger
}

type entry struct {
	mu     sync.Mutex
	seq    uint64
	record Record
}

// RegistryOption は Registry の設定を変更します。
type RegistryOption func(*Registry)

// WithLogCapacity はログの保持上限を設定します。
func WithLogCapacity(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.logCap = n
		}
	}
}

// WithClock は時刻取得関数を差し替えます。
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithIDGenerator はジョブIDの採番関数を差し替えます。
func WithIDGenerator(gen func() string) RegistryOption {
	return func(r *Registry) {
		if gen != nil {
			r.newID = gen
		}
	}
}

// WithRegistryLogger はロガーを設定します。
func WithRegistryLogger(logger *log.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry は Registry を作成します。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		namespaces: make(map[Kind]map[string]*entry),
		logCap:     DefaultLogCapacity,
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     log.Default(),
	}
	for _, k := range Kinds() {
		r.namespaces[k] = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LogCapacity はログの保持上限を返します。
func (r *Registry) LogCapacity() int {
	return r.logCap
}

// Create は Pending 状態のジョブを新しいIDで登録します。
func (r *Registry) Create(kind Kind, owner OwnerRef) (Record, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec, err := r.CreateWithID(kind, r.newID(), owner)
		if err == nil {
			return rec, nil
		}
		if err != ErrDuplicateID {
			return Record{}, err
		}
	}
	return Record{}, fmt.Errorf("failed to allocate job id for kind=%s", kind)
}

// CreateWithID は呼び出し元が決めたIDでジョブを登録します。
// 過去の命名規則で採番するプロデューサー向けです。
func (r *Registry) CreateWithID(kind Kind, id string, owner OwnerRef) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Record{}, fmt.Errorf("job id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ns, ok := r.namespaces[kind]
	if !ok {
		return Record{}, fmt.Errorf("unknown job kind: %s", kind)
	}
	if _, exists := ns[id]; exists {
		return Record{}, ErrDuplicateID
	}

	now := r.now().UTC()
	r.seq++
	e := &entry{
		seq: r.seq,
		record: Record{
			ID:        id,
			Kind:      kind,
			Status:    StatusPending,
			Owner:     owner,
			Log:       []string{},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	ns[id] = e
	return e.record.clone(), nil
}

// Get はジョブ情報のコピーを取得します。
func (r *Registry) Get(kind Kind, id string) (Record, error) {
	e, err := r.lookup(kind, id)
	if err != nil {
		return Record{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record.clone(), nil
}

// Lookup は指定した種別を順に検索し、最初に見つかったジョブを返します。
// kinds を省略した場合は全種別を検索します。
func (r *Registry) Lookup(id string, kinds ...Kind) (Record, error) {
	if len(kinds) == 0 {
		kinds = Kinds()
	}
	for _, kind := range kinds {
		rec, err := r.Get(kind, id)
		if err == nil {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

// List は指定種別のジョブを作成順（古い順）でコピーして返します。
// 名前空間のロックは対象の収集中のみ保持します。
func (r *Registry) List(kind Kind) []Record {
	r.mu.RLock()
	ns := r.namespaces[kind]
	entries := make([]*entry, 0, len(ns))
	for _, e := range ns {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.record.clone())
		e.mu.Unlock()
	}
	return out
}

// Update は mutate を適用した結果を検証し、原子的に反映します。
// 終端状態のジョブへの更新は反映せず ErrTerminal を返します。
func (r *Registry) Update(kind Kind, id string, mutate func(*Record) error) (Record, error) {
	e, err := r.lookup(kind, id)
	if err != nil {
		return Record{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.record
	if prev.Status.Terminal() {
		r.logger.Printf("ignored update for terminal job kind=%s job=%s status=%s", kind, id, prev.Status)
		return prev.clone(), ErrTerminal
	}

	next := prev.clone()
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return prev.clone(), err
		}
	}
	next.ID = prev.ID
	next.Kind = prev.Kind
	next.CreatedAt = prev.CreatedAt
	next.Owner = prev.Owner

	if !prev.Status.CanTransition(next.Status) {
		r.logger.Printf("rejected transition kind=%s job=%s from=%s to=%s", kind, id, prev.Status, next.Status)
		return prev.clone(), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}

	r.normalize(&prev, &next)
	e.record = next
	return next.clone(), nil
}

// MarkProcessing はジョブを Processing に遷移させます。
func (r *Registry) MarkProcessing(kind Kind, id string) (Record, error) {
	return r.Update(kind, id, func(rec *Record) error {
		rec.Status = StatusProcessing
		return nil
	})
}

// UpdateProgress は進捗ステップを更新します。
func (r *Registry) UpdateProgress(kind Kind, id string, current, total int) (Record, error) {
	return r.Update(kind, id, func(rec *Record) error {
		rec.Progress.CurrentStep = current
		rec.Progress.TotalSteps = total
		if total > 0 {
			rec.Progress.Percentage = float64(current) / float64(total) * 100
		}
		return nil
	})
}

// AppendLog はログを1行追加します。
func (r *Registry) AppendLog(kind Kind, id string, line string) (Record, error) {
	return r.Update(kind, id, func(rec *Record) error {
		rec.AppendLog(line)
		return nil
	})
}

// MarkCompleted はジョブ完了時の結果を保存します。
func (r *Registry) MarkCompleted(kind Kind, id string, result any) (Record, error) {
	return r.Update(kind, id, func(rec *Record) error {
		rec.Status = StatusCompleted
		rec.Result = result
		return nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (r *Registry) MarkFailed(kind Kind, id string, errInfo *ErrorInfo) (Record, error) {
	return r.Update(kind, id, func(rec *Record) error {
		rec.Status = StatusFailed
		rec.Error = errInfo
		if errInfo != nil && errInfo.Message != "" {
			rec.AppendLog(errInfo.Message)
		}
		return nil
	})
}

// RequestCancel はキャンセル要求フラグを立てます。ワーカーは自身の確認タイミングで停止します。
func (r *Registry) RequestCancel(kind Kind, id string) (Record, error) {
	return r.Update(kind, id, func(rec *Record) error {
		rec.CancelRequested = true
		return nil
	})
}

func (r *Registry) lookup(kind Kind, id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ns, ok := r.namespaces[kind]
	if !ok {
		return nil, ErrNotFound
	}
	e, ok := ns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// normalize は遷移後のレコードに不変条件を適用します。
func (r *Registry) normalize(prev, next *Record) {
	now := r.now().UTC()
	next.UpdatedAt = now

	if next.Status == StatusProcessing && next.StartedAt == nil {
		started := now
		next.StartedAt = &started
	}

	p := &next.Progress
	if p.Percentage < 0 {
		p.Percentage = 0
	}
	if p.Percentage > 100 {
		p.Percentage = 100
	}
	if p.TotalSteps < 0 {
		p.TotalSteps = 0
	}
	if p.CurrentStep < 0 {
		p.CurrentStep = 0
	}
	if p.TotalSteps > 0 && p.CurrentStep > p.TotalSteps {
		p.CurrentStep = p.TotalSteps
	}
	if prev.Status == StatusProcessing && p.Percentage < prev.Progress.Percentage {
		p.Percentage = prev.Progress.Percentage
	}
	p.ETASeconds = estimateETA(next, now)

	if over := len(next.Log) - r.logCap; over > 0 {
		next.Log = append([]string(nil), next.Log[over:]...)
	}

	switch next.Status {
	case StatusCompleted:
		next.Error = nil
		p.Percentage = 100
		if p.TotalSteps > 0 {
			p.CurrentStep = p.TotalSteps
		}
		completed := now
		next.CompletedAt = &completed
	case StatusFailed:
		next.Result = nil
		if next.Error == nil {
			next.Error = &ErrorInfo{Code: "WORKER_FAILURE", Message: "ジョブの実行に失敗しました。"}
		}
		completed := now
		next.CompletedAt = &completed
	default:
		next.Result = nil
		next.Error = nil
		next.CompletedAt = nil
	}
}

// estimateETA は経過時間と完了ステップ数から残り秒数を見積もります。
func estimateETA(rec *Record, now time.Time) *float64 {
	if rec.Status != StatusProcessing || rec.StartedAt == nil {
		return nil
	}
	current, total := rec.Progress.CurrentStep, rec.Progress.TotalSteps
	if current <= 0 || total <= 0 || current > total {
		return nil
	}
	elapsed := now.Sub(*rec.StartedAt).Seconds()
	eta := elapsed / float64(current) * float64(total-current)
	if eta < 0 {
		eta = 0
	}
	return &eta
}

package api

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/qiniu/clusterupgrade/internal/upgrade/model"
)

// RunDetail 升级任务详情
type RunDetail struct {
	Run       *model.Run           `json:"run"`
	Databases []*model.RunDatabase `json:"databases"`
	Result    *model.UpgradeResult `json:"result,omitempty"`
}

type entry struct {
	run       model.Run
	databases []*model.RunDatabase
	result    *model.UpgradeResult
}

// Store 进程内升级任务存储，实现 service.Recorder；超过容量时淘汰最早的已结束任务
type Store struct {
	mu       sync.RWMutex
	runs     map[string]*entry
	order    []string
	capacity int
}

// NewStore 创建存储，capacity<=0 时默认保留 200 个任务
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = 200
	}
	return &Store{runs: map[string]*entry{}, capacity: capacity}
}

func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.runs[run.ID]; ok {
		e.run = *run
		return nil
	}
	s.runs[run.ID] = &entry{run: *run}
	s.order = append(s.order, run.ID)
	s.evict()
	return nil
}

func (s *Store) UpdateRunState(ctx context.Context, id string, state model.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %s not found", id)
	}
	e.run.State = string(state)
	return nil
}

func (s *Store) InsertDatabaseResult(ctx context.Context, d *model.RunDatabase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[d.RunID]
	if !ok {
		return fmt.Errorf("run %s not found", d.RunID)
	}
	copied := *d
	copied.ID = len(e.databases) + 1
	e.databases = append(e.databases, &copied)
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run *model.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s not found", run.ID)
	}
	e.run = *run
	return nil
}

// SetResult 保存任务的完整结果
func (s *Store) SetResult(id string, res *model.UpgradeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.runs[id]; ok {
		e.result = res
	}
}

// Get 获取任务详情
func (s *Store) Get(id string) (*RunDetail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[id]
	if !ok {
		return nil, false
	}
	run := e.run
	detail := &RunDetail{Run: &run, Databases: make([]*model.RunDatabase, 0, len(e.databases)), Result: e.result}
	for _, d := range e.databases {
		copied := *d
		detail.Databases = append(detail.Databases, &copied)
	}
	return detail, true
}

// List 按开始时间倒序列出任务，volume为空时列出全部
func (s *Store) List(volume string, limit int) []*model.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Run, 0, len(s.runs))
	for _, e := range s.runs {
		if volume != "" && e.run.Volume != volume {
			continue
		}
		run := e.run
		out = append(out, &run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Active 返回数据卷上未结束的任务
func (s *Store) Active(volume string) (*model.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.runs {
		if e.run.Volume == volume && !model.State(e.run.State).IsTerminal() {
			run := e.run
			return &run, true
		}
	}
	return nil, false
}

func (s *Store) evict() {
	for len(s.order) > s.capacity {
		evicted := false
		for i, id := range s.order {
			if model.State(s.runs[id].run.State).IsTerminal() {
				delete(s.runs, id)
				s.order = append(s.order[:i], s.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

package loader

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"sessionpilot/internal/logger"
	"sessionpilot/internal/scheduler"

	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

//go:embed plan.schema.json
var planSchemaJSON string

// PhaseSpec 描述计划文件中的单个阶段；未填写的字段使用 Defaults。
type PhaseSpec struct {
	Name               string   `mapstructure:"name"`
	TimeoutSeconds     float64  `mapstructure:"timeout_seconds"`
	MaxRetries         *int     `mapstructure:"max_retries"`
	BackoffBaseSeconds float64  `mapstructure:"backoff_base_seconds"`
	MaxBackoffSeconds  *float64 `mapstructure:"max_backoff_seconds"`
	Disabled           bool     `mapstructure:"disabled"`
}

// Defaults 来自主配置的 phase_defaults。
type Defaults struct {
	Timeout     time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

// Resolve fills unset fields from d.
func (s PhaseSpec) Resolve(d Defaults) scheduler.Phase {
	p := scheduler.Phase{
		Name:        s.Name,
		Timeout:     d.Timeout,
		MaxRetries:  d.MaxRetries,
		BackoffBase: d.BackoffBase,
		MaxBackoff:  d.MaxBackoff,
	}
	if s.TimeoutSeconds > 0 {
		p.Timeout = secondsToDuration(s.TimeoutSeconds)
	}
	if s.MaxRetries != nil {
		p.MaxRetries = *s.MaxRetries
	}
	if s.BackoffBaseSeconds > 0 {
		p.BackoffBase = secondsToDuration(s.BackoffBaseSeconds)
	}
	if s.MaxBackoffSeconds != nil {
		p.MaxBackoff = secondsToDuration(*s.MaxBackoffSeconds)
	}
	return p
}

// FileConfig 是完整的阶段计划文件结构。
type FileConfig struct {
	Phases []PhaseSpec `mapstructure:"phases"`
}

// PlanSnapshot 对外暴露的只读快照。
type PlanSnapshot struct {
	Version  int64
	LoadedAt time.Time
	Phases   []PhaseSpec
}

// Resolve returns the enabled phases in declared order.
func (s PlanSnapshot) Resolve(d Defaults) []scheduler.Phase {
	out := make([]scheduler.Phase, 0, len(s.Phases))
	for _, spec := range s.Phases {
		if spec.Disabled {
			continue
		}
		out = append(out, spec.Resolve(d))
	}
	return out
}

// ChangeListener 在计划变更时被调用。
type ChangeListener func(PlanSnapshot)

// PlanLoader 从 YAML 文件加载阶段计划并监听热更新。运行中的会话只使用启动时的
// 快照，重载只影响下一次会话。
type PlanLoader struct {
	path   string
	v      *viper.Viper
	schema *jsonschema.Schema

	mu        sync.RWMutex
	snapshot  PlanSnapshot
	listeners []ChangeListener
}

// NewPlanLoader 读取计划文件；watch 为 true 时开始监听 FS 事件。
func NewPlanLoader(path string, watch bool) (*PlanLoader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("plan loader requires path")
	}
	schema, err := compileSchema(planSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}
	l := &PlanLoader{path: path, schema: schema}
	if err := l.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read plan config failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := l.reload(); err != nil {
				logger.Errorf("phase plan reload failed (%s): %v", evt.Name, err)
				return
			}
			l.notify()
		})
		v.WatchConfig()
		l.v = v
	}
	return l, nil
}

// Snapshot 返回当前计划快照（深拷贝）。
func (l *PlanLoader) Snapshot() PlanSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneSnapshot(l.snapshot)
}

// Subscribe 注册监听器，并立即收到一次完整快照。
func (l *PlanLoader) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	snap := cloneSnapshot(l.snapshot)
	l.mu.Unlock()
	go safeCall(fn, snap)
}

func (l *PlanLoader) notify() {
	l.mu.RLock()
	snap := cloneSnapshot(l.snapshot)
	listeners := append([]ChangeListener(nil), l.listeners...)
	l.mu.RUnlock()
	for _, fn := range listeners {
		go safeCall(fn, snap)
	}
}

func safeCall(fn ChangeListener, snap PlanSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("phase plan listener panic: %v", r)
		}
	}()
	fn(snap)
}

func (l *PlanLoader) reload() error {
	fileCfg, err := l.readPlanFile()
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(fileCfg.Phases))
	phases := make([]PhaseSpec, 0, len(fileCfg.Phases))
	for _, spec := range fileCfg.Phases {
		spec.Name = strings.ToLower(strings.TrimSpace(spec.Name))
		if seen[spec.Name] {
			return fmt.Errorf("phase plan: duplicate phase %q", spec.Name)
		}
		seen[spec.Name] = true
		phases = append(phases, spec)
	}
	l.mu.Lock()
	l.snapshot = PlanSnapshot{
		Version:  l.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Phases:   phases,
	}
	l.mu.Unlock()
	logger.Infof("Phase plan loaded %d phases from %s", len(phases), filepath.Base(l.path))
	return nil
}

// readPlanFile: YAML → JSON 值 → schema 校验 → mapstructure 解码。
func (l *PlanLoader) readPlanFile() (FileConfig, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read phase plan failed: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return FileConfig{}, fmt.Errorf("parse phase plan failed: %w", err)
	}
	normalized, err := toJSONValue(doc)
	if err != nil {
		return FileConfig{}, err
	}
	if err := l.schema.Validate(normalized); err != nil {
		return FileConfig{}, fmt.Errorf("phase plan invalid: %w", err)
	}
	var cfg FileConfig
	if err := mapstructure.Decode(normalized, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("decode phase plan failed: %w", err)
	}
	return cfg, nil
}

// toJSONValue 把 YAML 解码结果转换成 encoding/json 的值形态，schema 校验需要。
func toJSONValue(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("phase plan: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func compileSchema(doc string) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.schema.json", strings.NewReader(doc)); err != nil {
		return nil, err
	}
	return compiler.Compile("plan.schema.json")
}

func cloneSnapshot(src PlanSnapshot) PlanSnapshot {
	dst := src
	dst.Phases = append([]PhaseSpec(nil), src.Phases...)
	return dst
}

func secondsToDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

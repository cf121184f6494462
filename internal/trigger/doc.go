// Package trigger evaluates natural-language rules against camera frames
// and hub device state, and dispatches their actions when they fire.
//
// A rule is either a camera rule (evaluated per camera channel, fires when
// any channel is true) or a device rule (evaluated once over the states of
// its devices, fires only when the verdict turns true).
//
// Architecture:
//
//	┌──────────────────────────────────────────────────────────────┐
//	│                      Engine (engine.go)                       │
//	│  mirror.Observer ─▶ DeviceMap ─▶ Policy.PreFilter ─▶ coalescer│
//	│                                                    │          │
//	│  poll (camera rules) ─────────────────────────────┤          │
//	│                                                    ▼          │
//	│  ┌──────────────┐   ┌───────────────┐   ┌─────────────────┐  │
//	│  │  Evaluator   │──▶│ fire decision │──▶│   Supervisor    │  │
//	│  │(evaluator.go)│   │ OR / edge     │   │ (supervisor.go) │  │
//	│  └──────────────┘   └───────────────┘   └─────────────────┘  │
//	│         │                  │                     │            │
//	│         ▼                  ▼                     ▼            │
//	│   inference.Proxy   ConclusionStore       DynamicRegistry     │
//	│                                           DynamicRunner       │
//	│                         LogStore (every cycle)                │
//	└──────────────────────────────────────────────────────────────┘
//
// # Key Types
//
//   - Rule: condition plus cameras/devices plus ExecuteInfo
//   - Registry: thread-safe cache over Repository (SQLite)
//   - Engine: change routing, evaluation cycles and firing decisions
//   - Supervisor: static, automation and notify dispatch; dynamic lifetime
//   - RuleLog: one record per evaluated rule per cycle, plus one per
//     finished dynamic action
//
// # Thread Safety
//
// Engine, Registry, Supervisor, DynamicRegistry and the conclusion stores
// are safe for concurrent use. Evaluation cycles from the poll loop and
// from coalescer flushes may overlap.
//
// # Usage
//
//	repo := trigger.NewSQLiteRepository(db.DB)
//	registry := trigger.NewRegistry(repo)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	engine := trigger.NewEngine(trigger.Options{
//	    Vision:     vision,
//	    Evaluator:  trigger.NewEvaluator(frames, media.DiffMotion(0.08), 3, trigger.LanguageEnglish),
//	    Logs:       repo.Logs(),
//	    Supervisor: trigger.NewSupervisor(trigger.SupervisorOptions{Actions: router}),
//	    Templates:  hub,
//	    Debounce:   time.Second,
//	})
//	rules, _ := registry.ListRules(ctx)
//	engine.LoadRules(rules)
//	m := mirror.New(cfg, engine)
//	engine.SetStateSource(m)
package trigger

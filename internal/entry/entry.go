package entry

import "time"

// State is a config entry's position in the setup lifecycle.
type State string

const (
	StateNotLoaded        State = "not_loaded"
	StateSetupInProgress  State = "setup_in_progress"
	StateLoaded           State = "loaded"
	StateSetupError       State = "setup_error"
	StateSetupRetry       State = "setup_retry"
	StateMigrationError   State = "migration_error"
	StateUnloadInProgress State = "unload_in_progress"
	StateFailedUnload     State = "failed_unload"
)

// validTransitions is the lifecycle table. Anything absent fails with
// ErrInvalidTransition. MigrationError has no outgoing edges; removal
// is the only way out.
var validTransitions = map[State][]State{
	StateNotLoaded:        {StateSetupInProgress},
	StateSetupInProgress:  {StateLoaded, StateSetupError, StateSetupRetry, StateMigrationError},
	StateSetupError:       {StateSetupInProgress, StateUnloadInProgress},
	StateSetupRetry:       {StateSetupInProgress, StateUnloadInProgress},
	StateLoaded:           {StateUnloadInProgress},
	StateUnloadInProgress: {StateNotLoaded, StateFailedUnload},
	StateFailedUnload:     {StateUnloadInProgress},
	StateMigrationError:   nil,
}

// canTransition reports whether from → to is in the lifecycle table.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Source records how an entry came to exist.
const (
	SourceUser      = "user"
	SourceDiscovery = "discovery"
	SourceImport    = "import"
	SourceReauth    = "reauth"
)

// Entry disabled_by values.
const (
	DisabledByUser = "user"
)

// ConfigEntry is one configured instance of an integration. Rows
// handed out by the Manager are immutable snapshots; mutations go
// through the Manager and replace the row.
type ConfigEntry struct {
	EntryID  string         `json:"entry_id"`
	Domain   string         `json:"domain"`
	Title    string         `json:"title"`
	Data     map[string]any `json:"data"`
	Options  map[string]any `json:"options,omitempty"`
	UniqueID string         `json:"unique_id,omitempty"`
	Source   string         `json:"source"`

	// State and the retry bookkeeping are runtime-only: entries
	// always reload as not_loaded.
	State  State  `json:"-"`
	Reason string `json:"-"`
	Tries  int    `json:"-"`

	DisabledBy              string `json:"disabled_by,omitempty"`
	PrefDisableNewEntities  bool   `json:"pref_disable_new_entities"`
	PrefDisablePolling      bool   `json:"pref_disable_polling"`
	Version                 int    `json:"version"`
	MinorVersion            int    `json:"minor_version"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

func (e *ConfigEntry) clone() *ConfigEntry {
	c := *e
	if e.Data != nil {
		c.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			c.Data[k] = v
		}
	}
	if e.Options != nil {
		c.Options = make(map[string]any, len(e.Options))
		for k, v := range e.Options {
			c.Options[k] = v
		}
	}
	return &c
}

// Disabled reports whether the entry is administratively disabled.
func (e *ConfigEntry) Disabled() bool {
	return e.DisabledBy != ""
}

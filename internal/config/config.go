package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the tutor server.
type Config struct {
	// Port is the HTTP listen port for the API and websocket endpoint.
	Port int

	// Password enables authentication when non-empty (TUTOR_PASSWORD).
	Password string

	// ParkTTLSeconds is how long a parked tutor adapter survives a
	// client disconnect before it is terminated.
	ParkTTLSeconds int
	// ParkCapacity is the maximum number of parked adapters.
	ParkCapacity int
	// SweepIntervalSeconds is how often the registry sweeps expired entries.
	SweepIntervalSeconds int

	// ExecCPUSeconds is the CPU-time cap for learner code.
	ExecCPUSeconds int
	// ExecMemoryMB is the address-space cap for learner code.
	ExecMemoryMB int

	SessionsDir   string
	WorkspacesDir string
	ProblemsDir   string

	// PythonBin is the interpreter used to run learner code.
	PythonBin string
	// TutorBin is the tutor backend binary spawned per session.
	TutorBin string
	// TutorModel is the model identifier passed to the tutor backend.
	TutorModel string

	// SummaryModel is the Anthropic model for end-of-session summaries.
	// Summaries are skipped when no API key is configured.
	SummaryModel string
}

// AuthRequired reports whether clients must present a bearer token.
func (c *Config) AuthRequired() bool {
	return c.Password != ""
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/algotutor).
func Load() Config {
	return Config{
		Port:                 viper.GetInt("port"),
		Password:             viper.GetString("password"),
		ParkTTLSeconds:       viper.GetInt("park_ttl_seconds"),
		ParkCapacity:         viper.GetInt("park_capacity"),
		SweepIntervalSeconds: viper.GetInt("sweep_interval_seconds"),
		ExecCPUSeconds:       viper.GetInt("exec_cpu_seconds"),
		ExecMemoryMB:         viper.GetInt("exec_memory_mb"),
		SessionsDir:          viper.GetString("sessions_dir"),
		WorkspacesDir:        viper.GetString("workspaces_dir"),
		ProblemsDir:          viper.GetString("problems_dir"),
		PythonBin:            viper.GetString("python_bin"),
		TutorBin:             viper.GetString("tutor_bin"),
		TutorModel:           viper.GetString("tutor_model"),
		SummaryModel:         viper.GetString("summary_model"),
	}
}

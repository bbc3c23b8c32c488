package config

// DefaultConfig returns the worker's built-in tunables (spec §6), before
// any config file or ARKEOCR_* environment override is applied.
func DefaultConfig() *Config {
	return &Config{
		MaxParallelOCR:   20,
		MaxRetriesPerRef: 3,
		MaxGlobalRetries: 5,
		AlarmIntervalMs:  100,

		OCRModel: "gpt-4o-mini",

		Host: "0.0.0.0",
		Port: "8080",
	}
}

// Entry describes one configuration key for documentation and CLI help,
// mirroring the key/env/default triples in spec §6.
type Entry struct {
	Key         string
	EnvVar      string
	Default     string
	Description string
}

// DefaultEntries lists every recognized configuration key alongside its
// ARKEOCR_ environment variable and default value.
func DefaultEntries() []Entry {
	return []Entry{
		{Key: "max_parallel_ocr", EnvVar: "ARKEOCR_MAX_PARALLEL_OCR", Default: "20", Description: "max concurrent OCR calls per chunk during PROCESS"},
		{Key: "max_retries_per_ref", EnvVar: "ARKEOCR_MAX_RETRIES_PER_REF", Default: "3", Description: "max per-ref transient retries before marking it failed"},
		{Key: "max_global_retries", EnvVar: "ARKEOCR_MAX_GLOBAL_RETRIES", Default: "5", Description: "max unhandled fire errors before the worker enters ERROR"},
		{Key: "alarm_interval_ms", EnvVar: "ARKEOCR_ALARM_INTERVAL_MS", Default: "100", Description: "delay between successive phase-engine fires while not backing off"},
		{Key: "ocr_api_key", EnvVar: "ARKEOCR_OCR_API_KEY", Default: "", Description: "API key for the OCR provider's chat-completions endpoint"},
		{Key: "ocr_base_url", EnvVar: "ARKEOCR_OCR_BASE_URL", Default: "", Description: "base URL for the OCR provider, empty for the provider default"},
		{Key: "ocr_model", EnvVar: "ARKEOCR_OCR_MODEL", Default: "gpt-4o-mini", Description: "chat-completions model used for OCR extraction"},
		{Key: "store_base_url", EnvVar: "ARKEOCR_STORE_BASE_URL", Default: "", Description: "base URL of the content-addressed entity store"},
		{Key: "orchestrator_url", EnvVar: "ARKEOCR_ORCHESTRATOR_URL", Default: "", Description: "base URL the terminal callback is POSTed to"},
		{Key: "home_dir", EnvVar: "ARKEOCR_HOME_DIR", Default: "~/.arke-ocr-worker", Description: "home directory value loaded into Config; the serve command takes its home directory from --home instead"},
		{Key: "host", EnvVar: "ARKEOCR_HOST", Default: "0.0.0.0", Description: "listen host loaded into Config; the serve command takes its host from --host instead"},
		{Key: "port", EnvVar: "ARKEOCR_PORT", Default: "8080", Description: "listen port loaded into Config; the serve command takes its port from --port instead"},
	}
}

package providers

type Config struct {
	Providers struct {
		Default string `yaml:"default"`
		HCloud  struct {
			Token    string  `yaml:"token"`
			Location string  `yaml:"location"`
			Endpoint string  `yaml:"endpoint"`
			Rate     float64 `yaml:"requests_per_second"`
		} `yaml:"hcloud"`
		LocalSSH struct {
			Hosts []struct {
				Name      string `yaml:"name"`
				IP        string `yaml:"ip"`
				PrivateIP string `yaml:"private_ip"`
			} `yaml:"hosts"`
		} `yaml:"localssh"`
	} `yaml:"providers"`
	SSH struct {
		KnownHosts            string `yaml:"known_hosts"`
		Port                  int    `yaml:"port"`
		ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
		KeepaliveSeconds      int    `yaml:"keepalive_seconds"`
	} `yaml:"ssh"`
	Defaults struct {
		Owner                       string `yaml:"owner"`
		Retries                     int    `yaml:"retries"`
		RetryIntervalSeconds        int    `yaml:"retry_interval_seconds"`
		SessionRetries              int    `yaml:"session_retries"`
		SessionRetryIntervalSeconds int    `yaml:"session_retry_interval_seconds"`
		PollIntervalSeconds         int    `yaml:"poll_interval_seconds"`
		PollRetries                 int    `yaml:"poll_retries"`
	} `yaml:"defaults"`
	Facts struct {
		LocalPath  string `yaml:"local_path"`
		RemotePath string `yaml:"remote_path"`
	} `yaml:"facts"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Bootstrap struct {
		MarkOnFailure bool `yaml:"mark_on_failure"`
	} `yaml:"bootstrap"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

package config

const (
	defaultDataDir  = "~/.local/share/bookfetch"
	defaultLogDir   = "~/.local/share/bookfetch/logs"
	defaultStateDir = "~/.local/share/bookfetch/state"

	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultIndexerTimeout = 30

	defaultEgressCheckURL = "https://check.torproject.org/api/ip"

	defaultTrackerBaseDelayMS    = 2500
	defaultTrackerJitterFraction = 0.15
	defaultTrackerSessionBudget  = 400

	defaultOpenBaseDelayMS    = 8000
	defaultOpenJitterFraction = 0.6
	defaultOpenIdleEvery      = 25
	defaultOpenIdlePauseMS    = 90000
	defaultOpenSessionBudget  = 150

	defaultFailureMultiplierCap = 16.0
	defaultResetAfterSuccesses  = 3

	defaultClientTimeout          = 20
	defaultClientPollInterval     = 15
	defaultClientAlertAfter       = 5
	defaultClientCategory         = "audiobooks"

	defaultRatioSampleInterval  = 900
	defaultConserveTrip         = 2.0
	defaultConserveResume       = 2.5
	defaultEmergencyTrip        = 1.0
	defaultEmergencyResume      = 1.5
	defaultConserveConcurrency  = 1
	defaultWedgeCostPoints      = 5000

	defaultQueuePollInterval    = 5
	defaultErrorRetryInterval   = 30
	defaultMaxConcurrentWorks   = 3
	defaultRetryBaseSeconds     = 60
	defaultRetryMaxSeconds      = 3600
	defaultAttemptCap           = 5
	defaultDiscoveryMaxPages    = 10
	defaultPageFailureLimit     = 3
	defaultSessionRefreshMargin = 300

	defaultNotifyTimeout = 10
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:  defaultDataDir,
			LogDir:   defaultLogDir,
			StateDir: defaultStateDir,
		},
		Tracker: Tracker{
			AllowedPaths: []string{
				"/tor/js/loadSearchJSONbasic.php",
				"/tor/download.php",
				"/t/*",
				"/jsonLoad.php",
				"/json/bonusBuy.php",
				"/takelogin.php",
				"/logout.php",
			},
		},
		Indexer: Indexer{
			Enabled:        true,
			TimeoutSeconds: defaultIndexerTimeout,
		},
		Identity: Identity{
			EgressCheckURL: defaultEgressCheckURL,
			TunnelUserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:128.0) Gecko/20100101 Firefox/128.0",
			DirectUserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
				"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
			},
		},
		Pacing: Pacing{
			Tracker: PacingProfile{
				BaseDelayMS:    defaultTrackerBaseDelayMS,
				JitterFraction: defaultTrackerJitterFraction,
				SessionBudget:  defaultTrackerSessionBudget,
			},
			Open: PacingProfile{
				BaseDelayMS:       defaultOpenBaseDelayMS,
				JitterFraction:    defaultOpenJitterFraction,
				IdleEveryRequests: defaultOpenIdleEvery,
				IdlePauseMS:       defaultOpenIdlePauseMS,
				SessionBudget:     defaultOpenSessionBudget,
			},
			FailureMultiplierCap: defaultFailureMultiplierCap,
			ResetAfterSuccesses:  defaultResetAfterSuccesses,
		},
		DownloadClient: DownloadClient{
			Category:              defaultClientCategory,
			TimeoutSeconds:        defaultClientTimeout,
			PollIntervalSeconds:   defaultClientPollInterval,
			UnreachableAlertAfter: defaultClientAlertAfter,
		},
		Ratio: Ratio{
			SampleIntervalSeconds: defaultRatioSampleInterval,
			ConserveTrip:          defaultConserveTrip,
			ConserveResume:        defaultConserveResume,
			EmergencyTrip:         defaultEmergencyTrip,
			EmergencyResume:       defaultEmergencyResume,
			ConserveConcurrency:   defaultConserveConcurrency,
			WedgeCostPoints:       defaultWedgeCostPoints,
		},
		Workflow: Workflow{
			QueuePollInterval:    defaultQueuePollInterval,
			ErrorRetryInterval:   defaultErrorRetryInterval,
			MaxConcurrentWorks:   defaultMaxConcurrentWorks,
			RetryBaseSeconds:     defaultRetryBaseSeconds,
			RetryMaxSeconds:      defaultRetryMaxSeconds,
			AttemptCap:           defaultAttemptCap,
			DiscoveryMaxPages:    defaultDiscoveryMaxPages,
			PageFailureLimit:     defaultPageFailureLimit,
			SessionRefreshMargin: defaultSessionRefreshMargin,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyTimeout,
		},
	}
}

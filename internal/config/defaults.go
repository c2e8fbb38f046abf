package config

import "sort"

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Session: SessionConfig{
			Shell:          "pwsh",
			Modules:        []string{"ExchangeOnlineManagement"},
			TokenScope:     "https://outlook.office365.com/.default",
			AppID:          "fb78d390-0c51-40cd-8e17-fdbfab77341b",
			RedirectURI:    "http://localhost",
			ReadyTimeout:   30,
			ImportTimeout:  30,
			TokenTimeout:   300,
			ConnectTimeout: 120,
			CommandTimeout: 180,
			ResyncTimeout:  30,
			MaxOutputBytes: 8 << 20,
		},
		Ledger: LedgerConfig{
			Persist: true,
			DBPath:  "~/.dlmdiag/ledger.db",
		},
		Server: ServerConfig{
			Name:    "dlm-diagnostics",
			Version: "1.0.0",
		},
	}
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

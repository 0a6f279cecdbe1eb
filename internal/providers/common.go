package providers

// Host is a statically configured SSH machine.
type Host struct {
	Name    string   `yaml:"name"`
	IP      string   `yaml:"ip"`
	User    string   `yaml:"user"`
	Port    int      `yaml:"port"`
	WorkDir string   `yaml:"work_dir"`
	Groups  []string `yaml:"groups"`
}

type Config struct {
	Default  string `yaml:"default"`
	LocalSSH struct {
		Hosts []Host `yaml:"hosts"`
	} `yaml:"localssh"`
}

package tls

// Config describes TLS termination for the API server. Either CertFile and
// KeyFile are given, or Dir holds tls.crt and tls.key, optionally generated
// on first start when AutoGenerate is set. With ClientCA set, clients must
// present a certificate signed by it.
type Config struct {
	Enabled      bool    `toml:"enabled" mapstructure:"enabled"`
	CertFile     string  `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string  `toml:"key_file" mapstructure:"key_file"`
	Dir          string  `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool    `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string  `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string  `toml:"max_version" mapstructure:"max_version"`
	ClientCA     string  `toml:"client_ca" mapstructure:"client_ca"`
	AutoGen      AutoGen `toml:"auto_gen" mapstructure:"auto_gen"`
}

// AutoGen tunes the self-signed certificate written when AutoGenerate is on.
type AutoGen struct {
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	Organization string   `toml:"organization" mapstructure:"organization"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// CertPaths returns the certificate, key and CA paths Setup will use.
func (c Config) CertPaths() (cert, key, ca string) {
	if c.CertFile != "" && c.KeyFile != "" {
		return c.CertFile, c.KeyFile, ""
	}
	if c.Dir == "" {
		return "", "", ""
	}
	return joinDir(c.Dir, tlsCrt), joinDir(c.Dir, tlsKey), joinDir(c.Dir, tlsCaCrt)
}

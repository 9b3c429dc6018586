package config

// EnvPrefix is passed to envconfig; individual fields carry fully
// qualified names so the prefix stays empty.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvDBDSN  = "TELEVIP_DB_DSN"
	EnvDBHost = "TELEVIP_DB_HOST"
	EnvDBUser = "TELEVIP_DB_USER"
	EnvDBName = "TELEVIP_DB_NAME"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

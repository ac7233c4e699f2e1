package config

import "os"

func IsDebug() bool {
	return os.Getenv("LONGMEM_DEBUG") == "1"
}

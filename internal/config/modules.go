package config

import (
	_ "github.com/umbrasys/umbra-sync/internal/remote/gcsblob"
	_ "github.com/umbrasys/umbra-sync/internal/remote/httpapi"
	_ "github.com/umbrasys/umbra-sync/internal/remote/redismeta"
	_ "github.com/umbrasys/umbra-sync/internal/remote/s3blob"
	_ "github.com/umbrasys/umbra-sync/internal/remote/sqlmeta"
)

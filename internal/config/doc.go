// Package config loads the webengine server configuration file.
//
// The file is YAML or JSON, chosen by extension (.yaml, .yml, .json).
// ${VAR} references are expanded from the environment before parsing, so
// secrets can stay out of the file.
//
// # Configuration File Structure
//
//	server:
//	  address: ":8080"
//	  workers: 24
//	  queueSize: 240
//	  readTimeout: 30s
//	  defaultResponseType: json
//	  debug: false
//	websocket:
//	  maxMessageSize: 40960
//	  heartbeat: 30s
//	auth:
//	  driver: sqlite          # memory | sqlite | postgres
//	  dsn: ./accounts.db
//	  tokenTTL: 12h
//	  accounts:
//	    - username: admin
//	      password: ${ADMIN_PASSWORD}
//	      level: 10
//	upload:
//	  driver: s3              # disk | s3
//	  maxFileSize: 52428800
//	  s3:
//	    bucket: uploads
//	    region: eu-west-1
//	    accessKeyID: ${AWS_ACCESS_KEY_ID}
//	    secretAccessKey: ${AWS_SECRET_ACCESS_KEY}
//	static:
//	  - url: /
//	    dir: ./public
//	metrics:
//	  path: /metrics
//
// # Usage
//
//	cfg, err := config.LoadFile("webengine.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := server.New(cfg.ServerConfig())
package config

/*
Package config loads the configuration of a backplane node.

Values come from, in increasing precedence: built-in defaults, the
backplane.yaml file, BACKPLANE_* environment variables and command-line
flags. Nested keys map to environment names by replacing dots with
underscores, so sync.interval is BACKPLANE_SYNC_INTERVAL and flag
--sync-interval.

	mode: CENTRAL            # CENTRAL, MANAGED, STANDALONE or NODE
	name: central-eu
	data_dir: /var/lib/backplane
	http_addr: 0.0.0.0:8080
	grpc_addr: 0.0.0.0:8081
	log:
	  level: info
	  json: true
	nats:
	  url: nats://nats:4222
	sync:
	  interval: 5m           # 0 disables background synchronization
	  bulk_parallelism: 4
	  remote_timeout: 30s
	security:
	  token_key: change-me   # seals stored auth tokens
	managed:
	  auth_token: ""
	  minions: []
	  connection_check_failed: false

The loaded Config is validated; invalid values fail with
errdefs.ErrInvalidArgument.
*/
package config

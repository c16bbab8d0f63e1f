// Package config loads sessionbridge configuration.
//
// Values start from Default, are overlaid by the YAML file named in
// SESSIONBRIDGE_CONFIG_FILE when set, and finally by SESSIONBRIDGE_*
// environment variables:
//
//	SESSIONBRIDGE_SERVER_ADDR=":8080"
//	SESSIONBRIDGE_STORAGE_KIND="redis"          # memory, file, redis, postgres, sqlite
//	SESSIONBRIDGE_STORAGE_REDIS_URL="redis://localhost:6379/0"
//	SESSIONBRIDGE_SSO_SECRET="..."              # verify signed credentials
//	SESSIONBRIDGE_PROVIDER_KIND="oidc"          # none, identitytoolkit, oauth2, oidc, saml
//	SESSIONBRIDGE_PROVIDER_OIDC_ISSUER_URL="https://accounts.example.com"
//	SESSIONBRIDGE_PROVIDER_OIDC_CLIENT_ID="..."
//	SESSIONBRIDGE_RATE_LIMIT_BACKEND="redis"
//	SESSIONBRIDGE_OBSERVABILITY_LOG_LEVEL="debug"
//
// The same settings in YAML:
//
//	server:
//	  addr: ":8080"
//	storage:
//	  kind: redis
//	  redis_url: redis://localhost:6379/0
//	provider:
//	  kind: oidc
//	  oidc:
//	    issuer_url: https://accounts.example.com
//	    client_id: sessionbridge
package config

package router

//go:generate sh -c "cd .. && swag init --generalInfo router/docs.go --output docs/swagger --parseDependency --parseInternal --quiet"

// @title Forge API
// @version 1.0
// @description API documentation for the Forge module daemon.
// @BasePath /
// @schemes https http
// @securityDefinitions.apikey InstanceToken
// @description Supply the instance's bearer token from `config.yml` using the `Authorization: Bearer <token>` header.
// @in header
// @name Authorization
// @produce json
type docStub struct{}

// Package docs holds the OpenAPI description of the server, generated by
// swag from the handler annotations.
package docs

import "github.com/swaggo/swag"

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Tiebreak API",
	Description:      "Resolves leaderboard ties with head to head games",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  string(swaggerJSON),
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

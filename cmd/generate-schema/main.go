package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"hashgrid/pkg/config"
)

// schemaTarget pairs one of the three service config types with the
// file it should be reflected into.
type schemaTarget struct {
	name string
	file string
	cfg  any
}

func main() {
	outDir := "."
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}

	targets := []schemaTarget{
		{name: "Registry", file: "registry.schema.json", cfg: &config.RegistryConfig{}},
		{name: "Name Service", file: "nameservice.schema.json", cfg: &config.NameServiceConfig{}},
		{name: "Data Service", file: "dataservice.schema.json", cfg: &config.DataServiceConfig{}},
	}

	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}

	for _, t := range targets {
		schema := reflector.Reflect(t.cfg)
		schema.Title = t.name + " Configuration"
		schema.Description = fmt.Sprintf("Configuration schema for the %s component", t.name)

		schemaJSON, err := json.MarshalIndent(schema, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate-schema: marshal %s: %v\n", t.name, err)
			os.Exit(1)
		}

		outputFile := outDir + string(os.PathSeparator) + t.file
		if err := os.WriteFile(outputFile, schemaJSON, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "generate-schema: write %s: %v\n", outputFile, err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", outputFile)
	}
}

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"
)

func initFlags(ko *koanf.Koanf) {
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	f.StringSlice("config", []string{".config/config.json"}, "path to one or more config files (merged in order)")
	f.String("node-id", "", "unique id of this node in the cluster")
	f.String("port", "8080", "port for the control plane HTTP server")
	f.String("state-dir", "", "directory for keyed state and snapshots")
	f.String("journal-dir", "", "directory for the coordinator journal")
	f.String("journal-addr", "", "bind address for journal replication")
	f.String("consistency-mode", "exactly-once", "exactly-once or at-least-once")
	f.StringSlice("kafka-brokers", nil, "kafka bootstrap brokers; enables the built-in pipeline")
	f.String("kafka-topic", "", "kafka topic the built-in pipeline consumes")
	f.String("kafka-group", "", "kafka consumer group for the built-in pipeline")
	f.Bool("bootstrap", false, "bootstrap a single-node journal cluster")
	f.Bool("dev", false, "pretty console logging and debug level")
	f.Bool("version", false, "show current version of the build")

	if err := f.Parse(os.Args[1:]); err != nil {
		log.Fatal().Msgf("error loading flags: %v", err)
	}

	configs, _ := f.GetStringSlice("config")
	for _, path := range configs {
		var parser koanf.Parser
		switch path[strings.LastIndex(path, ".")+1:] {
		case "yaml", "yml":
			parser = yaml.Parser()
		case "json":
			parser = json.Parser()
		default:
			log.Fatal().Msgf("unsupported config file extension: %s", path)
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			if os.IsNotExist(err) {
				log.Debug().Msgf("config file %s not found, skipping", path)
				continue
			}
			log.Fatal().Msgf("error reading config: %v", err)
		}
	}

	if err := ko.Load(posflag.ProviderWithFlag(f, ".", ko, func(pf *flag.Flag) (string, interface{}) {
		// Flags use dashes, config keys use underscores.
		key := strings.ReplaceAll(pf.Name, "-", "_")
		return key, posflag.FlagVal(f, pf)
	}), nil); err != nil {
		log.Fatal().Msgf("error reading flag config: %v", err)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/wsussync/wsussync/content"
	"github.com/wsussync/wsussync/server"
	"github.com/wsussync/wsussync/serversync"
	"github.com/wsussync/wsussync/shared"
	"github.com/wsussync/wsussync/store"
)

type ServeOptions struct {
	Config      string
	ListenAddr  string
	ContentPath string
}

// serveConfig is the serve command's YAML configuration file.
type serveConfig struct {
	// MetadataPath is the package store directory to serve.
	MetadataPath string `yaml:"metadata-path"`

	// ContentPath, when set, mounts a content store and announces full
	// sync support instead of catalog-only.
	ContentPath string `yaml:"content-path"`

	// ListenAddr is the address to listen on, defaulting to the WSUS
	// port.
	ListenAddr string `yaml:"listen-addr"`

	// ServiceConfigJSON optionally overrides the config data announced to
	// downstream servers, verbatim.
	ServiceConfigJSON string `yaml:"service-config-json"`
}

func NewServeCmd() *cobra.Command {
	var o ServeOptions

	cmd := &cobra.Command{
		Use:     "serve [metadata-path] [flags]",
		Short:   "Serve the catalog to downstream servers",
		Long:    "Serve exposes the metadata store over the server-to-server sync protocol, along with content payloads, a status page and metrics. Settings come from flags, a YAML configuration file, or both; flags win.",
		GroupID: "main",
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.Run(args)
		},
	}

	cmd.PersistentFlags().StringVar(&o.Config, "config", "", "Server configuration file")
	cmd.PersistentFlags().StringVar(&o.ListenAddr, "listen-addr", "", "Address to listen on")
	cmd.PersistentFlags().StringVar(&o.ContentPath, "content-path", "", "Content store path to serve payloads from")

	return cmd
}

func (o *ServeOptions) Run(args []string) error {
	config, err := o.resolveConfig(args)
	if err != nil {
		return err
	}

	serviceConfig, err := serviceConfigData(config)
	if err != nil {
		return err
	}

	st, err := store.OpenOrCreate(config.MetadataPath, logger)
	if err != nil {
		return err
	}

	srv := server.New(logger)
	srv.SetConfig(serviceConfig)

	if config.ContentPath != "" {
		cs, err := content.NewStore(config.ContentPath)
		if err != nil {
			return err
		}

		srv.SetContentStore(cs)
	}

	err = srv.SetPackageStore(st)
	if err != nil {
		return err
	}

	logger.Infof("Listening on %q", config.ListenAddr)

	return http.ListenAndServe(config.ListenAddr, srv.Handler())
}

// resolveConfig merges the YAML configuration file with the positional
// metadata path and the flags, flags winning over the file.
func (o *ServeOptions) resolveConfig(args []string) (*serveConfig, error) {
	config := &serveConfig{}

	if o.Config != "" {
		var err error

		config, err = shared.ReadYAMLFile(o.Config, config)
		if err != nil {
			return nil, err
		}
	}

	if len(args) > 0 && args[0] != "" {
		config.MetadataPath = args[0]
	}

	if o.ListenAddr != "" {
		config.ListenAddr = o.ListenAddr
	}

	if o.ContentPath != "" {
		config.ContentPath = o.ContentPath
	}

	if config.MetadataPath == "" {
		return nil, fmt.Errorf("A metadata path is required, either as an argument or as %q in the configuration file", "metadata-path")
	}

	if config.ListenAddr == "" {
		config.ListenAddr = ":8530"
	}

	return config, nil
}

// serviceConfigData builds the config data announced to downstream servers.
// Catalog-only sync is announced unless a content store is mounted; an
// explicit service-config-json overrides everything.
func serviceConfigData(config *serveConfig) (serversync.ServerSyncConfigData, error) {
	data := serversync.ServerSyncConfigData{
		ProtocolVersion:              "1.7",
		MaxNumberOfUpdatesPerRequest: 512,
		CatalogOnlySync:              config.ContentPath == "",
	}

	if config.ServiceConfigJSON == "" {
		return data, nil
	}

	err := json.Unmarshal([]byte(config.ServiceConfigJSON), &data)
	if err != nil {
		return data, fmt.Errorf("Invalid service-config-json: %w", err)
	}

	return data, nil
}

package main

import (
	"os"

	"github.com/grafana/grafana-plugin-sdk-go/backend/datasource"
	"github.com/grafana/grafana-plugin-sdk-go/backend/log"
	"github.com/wasilak/grafana-datadog-query-assist/pkg/plugin"
)

const pluginID = "wasilak-datadog-datasource"

var logger = log.New()

func main() {
	logger.Info("Starting plugin", "pluginId", pluginID)

	if err := datasource.Manage(pluginID, plugin.NewDatasource, datasource.ManageOpts{}); err != nil {
		logger.Error("Error serving datasource", "error", err)
		os.Exit(1)
	}
}

package main

import (
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// Globals are shared by every command.
type Globals struct {
	Config     string `help:"Engine config file (YAML)." type:"path" env:"ROLLOUT_CONFIG"`
	LogLevel   string `help:"Log level." default:"info" enum:"trace,debug,info,warn,error" env:"ROLLOUT_LOG_LEVEL"`
	LogJSON    bool   `help:"Emit JSON logs." name:"log-json"`
	Output     string `help:"Output format." default:"table" enum:"table,json" short:"o"`
	Compensate bool   `help:"Undo the completed steps of a stage that fails."`
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Roll a tenant configuration out."`
	Retry    RetryCmd    `cmd:"" help:"Retry a task from its last checkpoint."`
	Rollback RollbackCmd `cmd:"" help:"Re-apply the previous configuration of a task's tenant."`
	Status   StatusCmd   `cmd:"" help:"Show checkpointed tasks."`
}

func main() {
	if err := loadDotEnv(os.Getenv("ROLLOUT_ENV_FILE")); err != nil {
		os.Stderr.WriteString("bgswitch: " + err.Error() + "\n")
		os.Exit(1)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("bgswitch"),
		kong.Description("Blue-green configuration rollout."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}

func loadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/agentic"
	"github.com/opencode-ai/opencode/internal/config"
	"github.com/opencode-ai/opencode/internal/contextwindow"
	"github.com/opencode-ai/opencode/internal/distiller"
	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/executor"
	"github.com/opencode-ai/opencode/internal/policy"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/internal/sidecar"
	"github.com/opencode-ai/opencode/internal/storage"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
	"github.com/spf13/cobra"
)

var (
	runModel        string
	runAgent        string
	runContinue     bool
	runSession      string
	runFormat       string
	runFiles        []string
	runTitle        string
	runPrompt       string
	runPromptFile   string
	runPromptInline string
	runDir          string
	runFullAuto     bool
)

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Drive a single agentic turn against the working directory",
	Long: `Drive a single agentic turn against the working directory.

Examples:
  opencode run "Fix the bug in main.go"
  opencode run --model anthropic/claude-sonnet-4 "Explain this code"
  opencode run --continue  # Continue last session
  opencode run --file main.go "Review this file"`,
	RunE: runInteractive,
}

func init() {
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model format)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Continue the last session")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session ID to continue")
	runCmd.Flags().StringVar(&runFormat, "format", "default", "Output format (default|json)")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach to message")
	runCmd.Flags().StringVar(&runTitle, "title", "", "Session title")
	runCmd.Flags().StringVar(&runPrompt, "prompt", "", "Custom prompt template")
	runCmd.Flags().StringVar(&runPromptFile, "prompt-file", "", "Custom prompt from file")
	runCmd.Flags().StringVar(&runPromptInline, "prompt-inline", "", "Custom prompt as inline text")
	runCmd.Flags().StringVar(&runDir, "directory", "", "Working directory")
	runCmd.Flags().BoolVar(&runFullAuto, "full-auto", false, "Skip the approval prompt for the default allowlist (§4.2 full-auto mode)")
}

func runInteractive(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(runDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	if runModel != "" {
		appConfig.Model = runModel
	}

	message := strings.Join(args, " ")
	if message == "" && !runContinue && runSession == "" {
		return fmt.Errorf("message required. Usage: opencode run \"your message\"")
	}

	store := storage.New(paths.StoragePath())

	ctx := context.Background()
	providerReg, err := provider.InitializeProviders(ctx, appConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize providers: %w", err)
	}

	toolReg := tool.DefaultRegistry(workDir, store)

	agentReg := agent.NewRegistry()
	agentReg.LoadFromConfig(appConfig.Agent)
	toolReg.RegisterTaskTool(agentReg)

	// Two-tier tool policy engine (§4.2): project policy file overlays the
	// global one; --full-auto additionally pre-allows the default allowlist
	// for this run only.
	pol := policy.Load(workDir)
	if runFullAuto {
		pol.EnableFullAuto([]string{
			"read", "glob", "grep", "list", "todoread",
			"Write", "edit", "todowrite", "webfetch",
		})
	}

	ctxWindow := contextwindow.New(defaultContextWindowTokens(appConfig), appConfig.Model)

	loop := agentic.New(providerReg, toolReg, store, pol)
	loop.CtxWindow = ctxWindow
	loop.Approver = newCLIApprover()

	processor := agentic.NewProcessor(loop)

	subExecutor := executor.NewSubagentExecutor(executor.SubagentExecutorConfig{
		Storage:           store,
		Processor:         processor,
		AgentRegistry:     agentReg,
		WorkDir:           workDir,
		DefaultProviderID: providerIDFromModel(appConfig.Model),
		DefaultModelID:    modelIDFromModel(appConfig.Model),
	})
	toolReg.SetTaskExecutor(subExecutor)

	var systemPrompt string
	if runPromptFile != "" {
		data, err := os.ReadFile(runPromptFile)
		if err != nil {
			return fmt.Errorf("failed to read prompt file: %w", err)
		}
		systemPrompt = string(data)
	} else if runPromptInline != "" {
		systemPrompt = runPromptInline
	} else if runPrompt != "" {
		if data, err := os.ReadFile(runPrompt); err == nil {
			systemPrompt = string(data)
		} else {
			systemPrompt = runPrompt
		}
	}

	var fileContent strings.Builder
	for _, file := range runFiles {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", file, err)
		}
		fileContent.WriteString(fmt.Sprintf("\n\n--- File: %s ---\n%s", file, string(content)))
	}
	if fileContent.Len() > 0 {
		message = message + fileContent.String()
	}

	var sessionID string
	if runSession != "" {
		sessionID = runSession
	} else if runContinue {
		sessions, err := store.List(ctx, []string{"session"})
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) > 0 {
			sessionID = sessions[len(sessions)-1]
		}
	}

	if sessionID == "" {
		sessionID = fmt.Sprintf("sess_%d", os.Getpid())
	}

	// Layer 0 observability sidecar (§3/§4.8): append-only journal over a
	// columnar vector store, capturing every turn/tool/reasoning event for
	// this session from the same bus the agentic loop publishes on.
	sidecarStore, err := sidecar.NewStore(sidecar.StoreConfig{
		PersistPath: filepath.Join(paths.Data, "sidecar"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize sidecar store: %w", err)
	}
	defer sidecarStore.Close()

	sidecarProc := sidecar.NewProcessor(sidecarStore, nil)
	defer sidecarProc.Shutdown()

	capture := sidecar.NewCapture(sessionID, sidecarProc, func() int64 { return time.Now().UnixMilli() })
	unsubCapture := capture.Subscribe(event.Default())
	defer unsubCapture()

	// Layer 1 session-state distiller (§4.9): normalized goals/decisions/
	// errors/open-questions projection, snapshotted to storage.
	distillerStorage := distiller.NewStorage(store)
	distillerProc := distiller.NewProcessor(distillerStorage, nil)
	defer distillerProc.Shutdown()

	bridge := distiller.NewBridge(distillerProc)
	unsubBridge := bridge.Subscribe(event.Default())
	defer unsubBridge()

	distillerProc.InitSession(sessionID, message)
	defer distillerProc.EndSession(sessionID)

	agentName := runAgent
	if agentName == "" {
		agentName = "default"
	}

	var turnAgent *agentic.Agent
	switch agentName {
	case "code":
		turnAgent = agentic.CodeAgent()
	case "plan":
		turnAgent = agentic.PlanAgent()
	default:
		turnAgent = agentic.DefaultAgent()
	}
	turnAgent.Name = agentName
	if systemPrompt != "" {
		turnAgent.Prompt = systemPrompt
	}

	callback := func(msg *types.Message, parts []types.Part) {
		for _, part := range parts {
			if p, ok := part.(*types.TextPart); ok {
				fmt.Print(p.Text)
			}
		}
	}

	fmt.Printf("Starting session %s...\n", sessionID)
	fmt.Printf("Model: %s\n", appConfig.Model)
	fmt.Printf("Message: %s\n\n", truncate(message, 100))

	if err := processor.Process(ctx, sessionID, turnAgent, 0, callback); err != nil {
		return fmt.Errorf("processing error: %w", err)
	}

	fmt.Println()
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func defaultContextWindowTokens(cfg *types.Config) int {
	const fallback = 200000
	return fallback
}

func providerIDFromModel(model string) string {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) == 2 {
		return parts[0]
	}
	return ""
}

func modelIDFromModel(model string) string {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) == 2 {
		return parts[1]
	}
	return model
}

// Command arch2code turns an architecture diagram into infrastructure code
// from the terminal.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/wolfman30/arch2code/cmd/mainconfig"
	"github.com/wolfman30/arch2code/internal/app/bootstrap"
	"github.com/wolfman30/arch2code/internal/chat"
	appconfig "github.com/wolfman30/arch2code/internal/config"
	"github.com/wolfman30/arch2code/internal/conversation"
	"github.com/wolfman30/arch2code/internal/prompts"
	"github.com/wolfman30/arch2code/pkg/logging"
)

type cliOptions struct {
	model       string
	template    string
	examples    []string
	temperature float32
	topP        float32
	topK        int
	logLevel    string
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "arch2code",
		Short:         "Generate infrastructure code from architecture diagrams",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.model, "model", "m", "", "Bedrock model id (default BEDROCK_MODEL_ID)")
	flags.StringVarP(&opts.template, "template", "t", "", "CloudFormation, Terraform, Mermaid, FedRAMP or TerraformFedRAMP")
	flags.StringSliceVarP(&opts.examples, "examples", "e", nil, "example ids to include as references")
	flags.Float32Var(&opts.temperature, "temperature", chat.DefaultTemperature, "sampling temperature in [0,1]")
	flags.Float32Var(&opts.topP, "top-p", chat.DefaultTopP, "nucleus sampling in [0,1]")
	flags.IntVar(&opts.topK, "top-k", chat.DefaultTopK, "top-k sampling in [0,500]")
	flags.StringVar(&opts.logLevel, "log-level", "", "override LOG_LEVEL")

	root.AddCommand(newGenerateCmd(opts), newExplainCmd(opts), newChatCmd(opts), newTemplatesCmd())
	return root
}

func newGenerateCmd(opts *cliOptions) *cobra.Command {
	var output string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "generate <diagram.png|jpg>",
		Short: "Explain a diagram and generate code for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := readDiagram(args[0])
			if err != nil {
				return err
			}
			sess, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer sess.close()

			sinks := &phaseSinks{out: cmd.OutOrStdout(), quiet: quiet}
			out, err := sess.service.Submit(cmd.Context(), sess.id, sess.cfg, conversation.SubmitInput{Image: &img}, sinks.factory)
			sinks.done()
			if err != nil {
				return err
			}
			if output != "" {
				if err := os.WriteFile(output, []byte(out.Code), 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the generated code to this file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the explanation")
	return cmd
}

func newExplainCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "explain <diagram.png|jpg>",
		Short: "Describe the architecture in a diagram without generating code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := readDiagram(args[0])
			if err != nil {
				return err
			}
			sess, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer sess.close()
			return explainDiagram(cmd.Context(), sess, img, cmd.OutOrStdout())
		},
	}
}

func explainDiagram(ctx context.Context, sess *session, img chat.Image, out io.Writer) error {
	sink := newTerminalSink(out)
	_, err := sess.service.Explain(ctx, sess.id, sess.cfg, img, sink)
	sink.finish()
	return err
}

func newChatCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [diagram.png|jpg]",
		Short: "Generate code and refine it interactively",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer sess.close()

			r := newREPL(sess, cmd.OutOrStdout())
			if len(args) == 1 {
				if err := r.loadDiagram(cmd.Context(), args[0]); err != nil {
					return err
				}
			}
			return r.run(cmd.Context(), newLinePrompt())
		},
	}
}

func newTemplatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "templates",
		Short: "List output templates and their example ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, p := range prompts.Profiles() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-18s %-12s %s\n", p.Kind, p.Language, strings.Join(p.Examples, ", "))
			}
			return nil
		},
	}
}

// session is one CLI conversation backed by the in-memory store.
type session struct {
	service *conversation.Service
	id      string
	cfg     conversation.RequestConfig
	close   func()
}

func openSession(cmd *cobra.Command, opts *cliOptions) (*session, error) {
	ctx := cmd.Context()
	cfg := appconfig.Load()
	cfg.SessionStore = "memory"
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger := logging.NewWithOptions(logging.Options{Level: level, Format: "text", Writer: cmd.ErrOrStderr()})

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	app, err := bootstrap.Build(ctx, cfg, awsCfg, nil, logger)
	if err != nil {
		return nil, err
	}
	reqCfg, err := opts.settings(cmd).Resolve(app.Defaults)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	if err := reqCfg.Validate(app.Service.AllowedModels()); err != nil {
		_ = app.Close()
		return nil, err
	}
	id, err := app.Service.CreateSession(ctx)
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	return &session{
		service: app.Service,
		id:      id,
		cfg:     reqCfg,
		close:   func() { _ = app.Close() },
	}, nil
}

// settings carries only the flags the user actually set, so unset ones keep
// the configured defaults.
func (o *cliOptions) settings(cmd *cobra.Command) conversation.Settings {
	s := conversation.Settings{ModelID: o.model, Template: o.template, Examples: o.examples}
	flags := cmd.Flags()
	if flags.Changed("temperature") {
		v := o.temperature
		s.Temperature = &v
	}
	if flags.Changed("top-p") {
		v := o.topP
		s.TopP = &v
	}
	if flags.Changed("top-k") {
		v := o.topK
		s.TopK = &v
	}
	return s
}

func readDiagram(path string) (chat.Image, error) {
	format, err := chat.ParseImageFormat(filepath.Ext(path))
	if err != nil {
		return chat.Image{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.Image{}, fmt.Errorf("read diagram: %w", err)
	}
	if len(data) == 0 {
		return chat.Image{}, fmt.Errorf("read diagram: %s is empty", path)
	}
	return chat.Image{Format: format, Bytes: data}, nil
}

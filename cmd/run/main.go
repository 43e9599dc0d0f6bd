package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/hostbridge/wasmbridge/abi"
	"github.com/hostbridge/wasmbridge/columnar"
	"github.com/hostbridge/wasmbridge/policy"
	"github.com/hostbridge/wasmbridge/runtime"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to module wasm file")
		policyFile  = flag.String("policy", "", "Path to capability policy JSON (default: deny all)")
		funcName    = flag.String("func", "", "Exported function to call")
		convName    = flag.String("conv", "cstring", "Marshaling convention: cstring, native, columnar")
		strArg      = flag.String("arg", "", "Payload to pass")
		verbose     = flag.Bool("v", false, "Verbose logging")
		schema      = flag.Bool("schema", false, "Print the policy JSON schema and exit")
		interactive = flag.Bool("i", false, "Interactive mode with TUI")
	)
	flag.Parse()

	if *schema {
		out, err := policy.Schema()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(string(out))
		return
	}

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> -func name [-conv cstring|native|columnar] [-arg payload] [-policy file.json]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive mode)")
		fmt.Fprintln(os.Stderr, "       run -schema")
		os.Exit(1)
	}

	if *interactive {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: interactive mode needs a terminal")
			os.Exit(1)
		}
		if err := runInteractive(*wasmFile, *policyFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(*wasmFile, *policyFile, *funcName, *convName, *strArg, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadPolicy(path string) (policy.Policy, error) {
	if path == "" {
		return policy.Default(), nil
	}
	return policy.Load(path)
}

func run(wasmFile, policyFile, funcName, convName, strArg string, verbose bool) error {
	ctx := context.Background()

	if funcName == "" {
		return fmt.Errorf("no function specified; use -func")
	}

	conv, err := abi.ParseConvention(convName)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(wasmFile)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	pol, err := loadPolicy(policyFile)
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}

	opts := []runtime.Option{}
	if verbose {
		log, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer log.Sync()
		opts = append(opts, runtime.WithLogger(log))
	}

	rt, err := runtime.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close(ctx)

	inst, err := rt.Load(ctx, "", data, pol)
	if err != nil {
		return fmt.Errorf("load module: %w", err)
	}

	fmt.Printf("Module: %s\n", wasmFile)
	fmt.Printf("Instance: %s (%d pages)\n", inst.ID(), inst.Pages())

	payload := []byte(strArg)
	if conv == abi.ColumnarBulk {
		// A single-record batch carrying the argument under "name".
		batch := &columnar.Batch{Records: []columnar.Record{
			{Fields: []columnar.Field{{Name: "name", Value: []byte(strArg)}}},
		}}
		payload = batch.Encode()
	}

	fmt.Printf("\nCalling %s(%q) over %s...\n", funcName, strArg, conv)
	result, err := inst.Call(ctx, funcName, conv, payload)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}

	if conv == abi.ColumnarBulk {
		batch, err := columnar.Decode(result)
		if err != nil {
			return err
		}
		for i, rec := range batch.Records {
			fmt.Printf("Record %d:\n", i)
			for _, f := range rec.Fields {
				fmt.Printf("  %s = %q\n", f.Name, f.Value)
			}
		}
		return nil
	}

	fmt.Printf("Result: %s\n", result)
	return nil
}

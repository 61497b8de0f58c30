package transform_test

import (
	"fmt"
	"net/http"

	"github.com/openfroyo/hostkit/pkg/transform"
)

func ExampleCompiled_ApplyOnto() {
	compiled := transform.MustCompile(transform.Shape{
		"model":  transform.Append{Separator: ":", Expr: `headers."X-Amzn-SageMaker-Adapter-Identifier"`},
		"prompt": transform.Path{Expr: "body.inputs"},
		"stream": transform.Literal{Value: false},
	})

	headers := make(http.Header)
	headers.Set("X-Amzn-SageMaker-Adapter-Identifier", "support-bot")
	src := transform.Source{
		Body:    map[string]any{"inputs": "hello", "model": "base-model"},
		Headers: headers,
	}

	out, err := compiled.ApplyOnto(map[string]any{"model": "base-model"}, src.Document())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(out["model"], out["prompt"], out["stream"])
	// Output: base-model:support-bot hello false
}

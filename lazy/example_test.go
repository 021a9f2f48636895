// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package lazy_test

import (
	"context"
	"fmt"
	"log"

	"github.com/born-ml/ug/backend/cpu"
	"github.com/born-ml/ug/lazy"
	"github.com/born-ml/ug/tensor"
)

func ExampleToVec() {
	dev, err := cpu.New()
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()

	a, _ := lazy.FromHost(dev, []float32{1, 2, 3, 4}, tensor.Shape{4})
	b, _ := lazy.Const(dev, tensor.ConstF32(2), tensor.Shape{4})
	c, _ := a.Mul(b)
	vals, err := lazy.ToVec[float32](c)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(vals)
	// Output: [2 4 6 8]
}

func ExampleCreate() {
	dev, err := cpu.New()
	if err != nil {
		log.Fatal(err)
	}
	defer dev.Close()

	x, _ := lazy.FromHost(dev, []int32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	rows, _ := x.Sum(tensor.Minus1)
	total, _ := rows.Sum(0)

	s, err := lazy.Create(lazy.Options{}, total)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(len(s.Items()), s.NumKernels())
	if err := s.Run(context.Background()); err != nil {
		log.Fatal(err)
	}
	vals, _ := lazy.ToVec[int32](total)
	fmt.Println(vals)
	// Output:
	// 3 2
	// [21]
}

package main

import "github.com/oshokin/qigeometry-packager/cmd/qigeometry-packager/cmd"

func main() {
	cmd.Execute()
}

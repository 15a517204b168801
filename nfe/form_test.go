package nfe

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledForm() *Form {
	f := NewForm()
	f.RazaoSocial = "ACTUM INDUSTRIA E COMERCIO LTDA"
	f.NumeroDocumento = "07.429.818/0030-08"
	f.Cep = "20940-010"
	f.UF = "RJ"
	f.Cidade = "Rio de Janeiro"
	f.Bairro = "Centro"
	f.Endereco = "Rua Alfa"
	f.Produtos[0].NomeProduto = "Parafuso"
	f.Produtos[0].Valor = "10,50"
	return f
}

func TestNewForm(t *testing.T) {
	f := NewForm()
	assert.Equal(t, "J", f.TipoPessoa)
	assert.Equal(t, "1", f.Contribuinte)
	require.Len(t, f.Produtos, 1)
	assert.Equal(t, FormProduct{Quantidade: 1, Unidade: "UN"}, f.Produtos[0])
}

func TestFormProducts(t *testing.T) {
	f := NewForm()
	assert.False(t, f.RemoveProduct(0), "the last product row must stay")

	f.AddProduct()
	f.Produtos[1].NomeProduto = "Porca"
	require.Len(t, f.Produtos, 2)
	assert.False(t, f.RemoveProduct(5))
	assert.True(t, f.RemoveProduct(0))
	require.Len(t, f.Produtos, 1)
	assert.Equal(t, "Porca", f.Produtos[0].NomeProduto)
}

func TestFormValidate(t *testing.T) {
	require.NoError(t, filledForm().Validate())

	f := filledForm()
	f.Cep = " "
	f.Bairro = ""
	f.AddProduct()
	f.Produtos[1].NomeProduto = "Porca"
	f.Produtos[1].Valor = "0"

	var fe *FormError
	require.True(t, errors.As(f.Validate(), &fe))
	assert.Equal(t, []string{"cep", "bairro"}, fe.Missing)
	assert.Equal(t, []int{1}, fe.InvalidProducts)
	assert.Contains(t, fe.Error(), "required fields missing: cep, bairro")
}

func TestFormValidateNonFiniteValor(t *testing.T) {
	for _, v := range []string{"NaN", "nan", "Inf", "+Inf", "-Inf", "infinity", "1e400"} {
		f := filledForm()
		f.Produtos[0].Valor = v

		var fe *FormError
		require.True(t, errors.As(f.Validate(), &fe), v)
		assert.Equal(t, []int{0}, fe.InvalidProducts, v)

		_, err := f.Request()
		assert.Error(t, err, v)
	}
}

func TestFormRequest(t *testing.T) {
	f := filledForm()
	f.Contribuinte = "9"
	f.AddProduct()
	f.Produtos[1] = FormProduct{NomeProduto: "Porca", Valor: "1.25", Quantidade: 0}

	r, err := f.Request()
	require.NoError(t, err)
	assert.Equal(t, "ACTUM INDUSTRIA E COMERCIO LTDA", r.Nome)
	assert.Equal(t, 9, r.Contribuinte)
	assert.Equal(t, "Parafuso", r.NomeProduto)
	assert.Equal(t, 10.5, r.Valor)
	require.Len(t, r.Produtos, 2)
	assert.Equal(t, Product{Nome: "Porca", Valor: 1.25, Quantidade: 1, Unidade: "UN"}, r.Produtos[1])
	assert.NoError(t, r.Validate())
}

func TestTabOf(t *testing.T) {
	assert.Equal(t, TabCliente, TabOf("razaoSocial"))
	assert.Equal(t, TabEndereco, TabOf("cep"))
	assert.Equal(t, TabContato, TabOf("celular"))
	assert.Equal(t, TabProduto, TabOf("produtos"))
}
